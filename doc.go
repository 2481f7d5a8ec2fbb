// Package gcsout uploads partitioned record streams to Google Cloud Storage.
// Each partition writes through its own Output: records are staged to a
// local temp file and uploaded when the file completes, with deterministic
// object names derived from the task and file indexes so a retried run
// overwrites its own partial output.
//
// Key features:
//   - Three authentication variants: PKCS#12 service account keys,
//     JSON key documents, and the Compute Engine metadata endpoint
//   - Eager client validation, so bad configuration fails before data flows
//   - Bounded exponential-backoff retries with fail-fast on request-level
//     (4xx) rejections
//   - Optional chunked uploads: staging files past a size threshold are
//     rotated into intermediate objects and composed on completion
//   - MD5 verification of every stored object against the staged file
//
// Example usage:
//
//	cfg, err := gcsout.LoadConfig("out.toml")
//	if err != nil {
//	    return err
//	}
//
//	client, err := gcsout.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//
//	ctrl := gcsout.NewController(client)
//	reports, err := ctrl.Run(ctx, taskCount, func(ctx context.Context, out *gcsout.Output) error {
//	    if _, err := out.NextFile(); err != nil {
//	        return err
//	    }
//	    return out.Add(record)
//	})
package gcsout

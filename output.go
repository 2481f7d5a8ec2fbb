package gcsout

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/embulk/embulk-output-gcs/errors"
	"github.com/embulk/embulk-output-gcs/gcstypes"
	"github.com/embulk/embulk-output-gcs/internal/gcsapi"
	"github.com/embulk/embulk-output-gcs/internal/pool"
	"github.com/embulk/embulk-output-gcs/internal/retry"
	"github.com/embulk/embulk-output-gcs/internal/stage"
	"github.com/embulk/embulk-output-gcs/internal/validation"
)

// DefaultContentType is the MIME type recorded on objects whose type
// cannot be detected from the staged content or the file extension.
const DefaultContentType = "application/octet-stream"

// progressInterval is how many uploaded bytes pass between progress events.
const progressInterval = 100 << 20

// uploadJob is one staged file bound for the store.
type uploadJob struct {
	file   *stage.File
	object string
	chunk  bool
}

// Output writes one partition's records to the bucket. Records are staged
// to a local temp file and uploaded when the file completes; with a flush
// threshold configured, the staging file rotates into intermediate chunk
// objects that are composed into the final object on completion.
//
// Uploads run asynchronously on a single worker per output, so Add never
// waits on the network. The caller drives NextFile, Add, and Finish from
// one goroutine; Commit, Abort, and Close follow Finish.
type Output struct {
	task   gcstypes.Task
	store  gcsapi.Store
	pool   *pool.Pool
	log    zerolog.Logger
	policy retry.Policy
	ctx    context.Context

	mu           sync.Mutex
	closed       bool
	err          error
	fileIndex    int
	staging      *stage.File
	finalName    string
	resolvedType string
	chunkIndex   int
	chunkNames   []string
	objects      []gcstypes.RemoteObject
	totalBytes   int64

	jobs     chan uploadJob
	inflight sync.WaitGroup
	workerWG sync.WaitGroup
}

func newOutput(ctx context.Context, task gcstypes.Task, store gcsapi.Store, p *pool.Pool, log zerolog.Logger) *Output {
	o := &Output{
		task:   task,
		store:  store,
		pool:   p,
		log:    log.With().Int("task", task.TaskIndex).Logger(),
		policy: toRetryPolicy(task.Retry),
		ctx:    ctx,
		// NextFile and Finish join in-flight jobs before a new file starts,
		// so at most 31 chunk jobs can be queued at once. Sizing the channel
		// to the fan-in limit keeps dispatch from ever blocking on a slow
		// upload.
		jobs: make(chan uploadJob, gcsapi.ComposeFanInLimit),
	}
	o.workerWG.Add(1)
	go o.worker()
	return o
}

// NextFile completes the file currently being written, waits for its
// upload, and opens a fresh staging file for the next one. It returns the
// file index of the newly opened file.
//
// The first call opens the first file without completing anything.
func (o *Output) NextFile() (int, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, errors.NewError("nextFile", errors.ErrOutputClosed)
	}
	o.mu.Unlock()

	if err := o.completeCurrentFile(); err != nil {
		return 0, err
	}

	o.mu.Lock()
	idx := o.fileIndex
	name := remoteName(o.task, idx)
	o.mu.Unlock()

	if err := validation.ValidateObjectName(name); err != nil {
		return 0, err
	}

	f, err := stage.Create(o.task.TempDir)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	o.staging = f
	o.finalName = name
	o.fileIndex++
	o.mu.Unlock()

	o.log.Debug().Int("file", idx).Str("object", name).Msg("opened staging file")
	return idx, nil
}

// Add appends record bytes to the current staging file. With a flush
// threshold configured, a staging file that grows past the threshold is
// rotated into an intermediate chunk object whose upload proceeds in the
// background. Add itself never waits on the network.
func (o *Output) Add(p []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.NewError("add", errors.ErrOutputClosed)
	}
	if o.err != nil {
		err := o.err
		o.mu.Unlock()
		return err
	}
	f := o.staging
	o.mu.Unlock()

	if f == nil {
		return errors.NewError("add", errors.ErrInvalidInput).
			WithMessage("no file is open; call NextFile first")
	}

	if _, err := f.Write(p); err != nil {
		o.setErr(err)
		return err
	}

	o.mu.Lock()
	o.totalBytes += int64(len(p))
	o.mu.Unlock()

	if o.task.FlushThreshold > 0 && f.Size() >= o.task.FlushThreshold && o.canRotate() {
		return o.rotateChunk()
	}
	return nil
}

// canRotate reports whether another chunk may be split off the current
// file. The tail uploaded at completion counts as an intermediate too, so
// rotation stops two short of the compose fan-in limit: at most 30 rotated
// chunks plus the tail, never more than 31 intermediates for one logical
// file. Past that point bytes keep accumulating in the staging file.
func (o *Output) canRotate() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chunkIndex < gcsapi.ComposeFanInLimit-2
}

// Finish completes the last file and waits for every outstanding upload
// and compose to land. After Finish returns nil, every object named by
// the commit report exists in the bucket.
func (o *Output) Finish() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.NewError("finish", errors.ErrOutputClosed)
	}
	o.mu.Unlock()

	if err := o.completeCurrentFile(); err != nil {
		return err
	}

	o.mu.Lock()
	files, total := len(o.objects), o.totalBytes
	o.mu.Unlock()
	o.log.Info().Int("files", files).Int64("bytes", total).Msg("task finished")
	return nil
}

// Commit returns the report of objects this output created. Call it only
// after Finish has returned nil.
func (o *Output) Commit() gcstypes.CommitReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gcstypes.CommitReport{
		TaskIndex: o.task.TaskIndex,
		Files:     append([]gcstypes.RemoteObject(nil), o.objects...),
	}
}

// Abort discards local staging state and stops accepting writes. Objects
// already uploaded are left in the bucket; a retried task overwrites them
// by name, so no remote cleanup happens here.
func (o *Output) Abort() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	f := o.staging
	o.staging = nil
	o.mu.Unlock()

	if f != nil {
		_ = f.Remove()
	}
	o.shutdown()
	o.log.Warn().Msg("task aborted; uploaded objects are left in place")
}

// Close releases the output's resources. It is idempotent and safe to
// call after either Finish or Abort.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	f := o.staging
	o.staging = nil
	o.mu.Unlock()

	o.shutdown()
	if f != nil {
		_ = f.Remove()
	}
	return o.firstErr()
}

// shutdown waits out in-flight jobs and stops the worker.
func (o *Output) shutdown() {
	o.inflight.Wait()
	close(o.jobs)
	o.workerWG.Wait()
}

// completeCurrentFile finalizes the open staging file, uploads it (or its
// last chunk plus a compose), and waits until the file's final object
// exists. A nil staging file, as on the first NextFile, is a no-op.
func (o *Output) completeCurrentFile() error {
	o.mu.Lock()
	f := o.staging
	o.staging = nil
	final := o.finalName
	chunked := o.chunkIndex > 0
	o.mu.Unlock()

	if f == nil {
		o.inflight.Wait()
		return o.firstErr()
	}

	if err := f.Finalize(); err != nil {
		o.setErr(err)
		_ = f.Remove()
		return err
	}

	if !chunked {
		o.dispatch(uploadJob{file: f, object: final})
		o.inflight.Wait()
		return o.resetFile()
	}

	// Tail of a chunked file: upload the remainder unless it is empty,
	// then merge every chunk into the final object.
	if f.Size() > 0 {
		o.dispatch(uploadJob{file: f, object: o.nextChunkName(), chunk: true})
	} else {
		_ = f.Remove()
	}
	o.inflight.Wait()
	if err := o.firstErr(); err != nil {
		return err
	}

	o.mu.Lock()
	srcs := o.chunkNames
	o.chunkNames = nil
	contentType := o.resolvedType
	o.mu.Unlock()
	if contentType == "" {
		contentType = DefaultContentType
	}

	info, err := o.composeObjects(final, contentType, srcs)
	if err != nil {
		o.setErr(err)
		return err
	}

	o.mu.Lock()
	o.objects = append(o.objects, remoteObjectFrom(info))
	o.mu.Unlock()
	o.log.Info().
		Str("object", info.Name).
		Int64("size", info.Size).
		Int("chunks", len(srcs)).
		Msg("composed object")

	o.deleteChunks(srcs)
	return o.resetFile()
}

// resetFile clears per-file chunk state and reports the first failure.
func (o *Output) resetFile() error {
	o.mu.Lock()
	o.chunkIndex = 0
	o.resolvedType = ""
	o.mu.Unlock()
	return o.firstErr()
}

// rotateChunk finalizes the current staging file as an intermediate chunk,
// queues its upload, and opens a fresh staging file in its place.
func (o *Output) rotateChunk() error {
	o.mu.Lock()
	f := o.staging
	o.staging = nil
	name := o.nextChunkNameLocked()
	o.mu.Unlock()

	if err := f.Finalize(); err != nil {
		o.setErr(err)
		_ = f.Remove()
		return err
	}

	newFile, err := stage.Create(o.task.TempDir)
	if err != nil {
		o.setErr(err)
		return err
	}

	o.mu.Lock()
	o.staging = newFile
	o.mu.Unlock()

	o.dispatch(uploadJob{file: f, object: name, chunk: true})
	return nil
}

func (o *Output) nextChunkName() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextChunkNameLocked()
}

func (o *Output) nextChunkNameLocked() string {
	name := fmt.Sprintf("%s.chunk%04d", o.finalName, o.chunkIndex)
	o.chunkIndex++
	return name
}

func (o *Output) dispatch(job uploadJob) {
	o.inflight.Add(1)
	o.jobs <- job
}

// worker drains the job queue one upload at a time, so at most one insert
// per output is on the wire. After a failure the remaining jobs are
// discarded, their staging files removed.
func (o *Output) worker() {
	defer o.workerWG.Done()
	for job := range o.jobs {
		o.process(job)
		o.inflight.Done()
	}
}

func (o *Output) process(job uploadJob) {
	defer func() { _ = job.file.Remove() }()

	if o.firstErr() != nil || o.ctx.Err() != nil {
		return
	}

	err := o.pool.Run(o.ctx, func() error {
		return o.uploadStaged(job)
	})
	if err != nil {
		o.setErr(err)
		o.log.Error().Err(err).Str("object", job.object).Msg("upload failed")
	}
}

// uploadStaged streams one staged file into the store under the retry
// policy. Every attempt reopens the file from the start.
func (o *Output) uploadStaged(job uploadJob) error {
	contentType := o.contentTypeFor(job.file.Path())

	info, err := retry.Do(o.ctx, o.policy, classifyStoreError, retryLogObserver(o.log, "upload"),
		func() (*gcsapi.ObjectInfo, error) {
			r, err := job.file.Open()
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return o.store.Insert(o.ctx, job.object, contentType, o.newProgressReader(r, job.object))
		})
	if err != nil {
		return storeError("upload", o.store.BucketName(), job.object, err)
	}

	o.verifyIntegrity(job.file, info)

	if !job.chunk {
		o.mu.Lock()
		o.objects = append(o.objects, remoteObjectFrom(info))
		o.mu.Unlock()
		o.log.Info().
			Str("object", info.Name).
			Int64("size", info.Size).
			Str("content_type", info.ContentType).
			Msg("uploaded object")
		return nil
	}

	o.mu.Lock()
	o.chunkNames = append(o.chunkNames, job.object)
	o.mu.Unlock()
	o.log.Debug().Str("object", info.Name).Int64("size", info.Size).Msg("uploaded chunk")
	return nil
}

// composeObjects merges srcs into dst under the retry policy.
func (o *Output) composeObjects(dst, contentType string, srcs []string) (*gcsapi.ObjectInfo, error) {
	info, err := retry.Do(o.ctx, o.policy, classifyStoreError, retryLogObserver(o.log, "compose"),
		func() (*gcsapi.ObjectInfo, error) {
			return o.store.Compose(o.ctx, dst, contentType, srcs)
		})
	if err != nil {
		return nil, storeError("compose", o.store.BucketName(), dst, err)
	}
	return info, nil
}

// deleteChunks removes intermediate chunk objects. Failures are logged and
// otherwise ignored; a leftover chunk costs storage, not correctness.
func (o *Output) deleteChunks(names []string) {
	for _, name := range names {
		if err := o.store.Delete(o.ctx, name); err != nil {
			o.log.Warn().Err(err).Str("object", name).Msg("could not delete intermediate chunk")
		}
	}
}

// contentTypeFor resolves the MIME type for the current file, at most once
// per file: the configured type if set, otherwise detection from the
// staged content, the file extension, and finally DefaultContentType.
func (o *Output) contentTypeFor(path string) string {
	o.mu.Lock()
	if o.resolvedType != "" {
		ct := o.resolvedType
		o.mu.Unlock()
		return ct
	}
	o.mu.Unlock()

	ct := o.task.ContentType
	if ct == "" {
		if mtype, err := mimetype.DetectFile(path); err == nil {
			ct = mtype.String()
		}
	}
	if ct == "" {
		ct = mime.TypeByExtension(o.task.FileExt)
	}
	if ct == "" {
		ct = DefaultContentType
	}

	o.mu.Lock()
	o.resolvedType = ct
	o.mu.Unlock()
	return ct
}

// verifyIntegrity compares the staged file's MD5 with the hash the store
// reported. A mismatch is logged, not fatal: the bytes on the wire were
// accepted, and failing the task here would discard a completed upload.
func (o *Output) verifyIntegrity(f *stage.File, info *gcsapi.ObjectInfo) {
	if info == nil || len(info.MD5) == 0 {
		return
	}
	local, err := f.MD5()
	if err != nil {
		o.log.Debug().Err(err).Str("object", info.Name).Msg("skipping hash verification")
		return
	}
	if !bytes.Equal(local, info.MD5) {
		o.log.Warn().
			Str("object", info.Name).
			Str("local_md5", base64.StdEncoding.EncodeToString(local)).
			Str("remote_md5", base64.StdEncoding.EncodeToString(info.MD5)).
			Msg("MD5 mismatch between staged file and stored object")
		return
	}
	o.log.Debug().Str("object", info.Name).Msg("hash verified")
}

func (o *Output) setErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		o.err = err
	}
}

func (o *Output) firstErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// newProgressReader wraps r so that long uploads report progress.
func (o *Output) newProgressReader(r io.Reader, object string) io.Reader {
	return &progressReader{r: r, object: object, log: o.log, next: progressInterval}
}

type progressReader struct {
	r      io.Reader
	object string
	log    zerolog.Logger
	read   int64
	next   int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.read >= p.next {
		p.log.Debug().Str("object", p.object).Int64("bytes", p.read).Msg("upload progress")
		p.next += progressInterval
	}
	return n, err
}

// remoteName builds the object name for one file of a task: the path
// prefix, the formatted task and file indexes, and the file extension.
// A leading run of dots and slashes is stripped, since GCS object names
// are not paths and such prefixes produce objects unreachable in most
// tooling.
func remoteName(task gcstypes.Task, fileIndex int) string {
	name := task.PathPrefix + fmt.Sprintf(task.SequenceFormat, task.TaskIndex, fileIndex) + task.FileExt
	return strings.TrimLeft(name, "./")
}

func remoteObjectFrom(info *gcsapi.ObjectInfo) gcstypes.RemoteObject {
	obj := gcstypes.RemoteObject{
		Bucket: info.Bucket,
		Name:   info.Name,
		Size:   info.Size,
	}
	if len(info.MD5) > 0 {
		obj.MD5 = base64.StdEncoding.EncodeToString(info.MD5)
	}
	return obj
}

package gcsout

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/embulk/embulk-output-gcs/errors"
	"github.com/embulk/embulk-output-gcs/gcstypes"
	"github.com/embulk/embulk-output-gcs/internal/pool"
	"github.com/embulk/embulk-output-gcs/internal/testutil"
)

func newTestOutput(t *testing.T, store *testutil.FakeStore, mutate func(*Config)) *Output {
	t.Helper()

	cfg := fastRetryConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	o := newOutput(context.Background(), cfg.Task(1), store, pool.New(2), zerolog.Nop())
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestRemoteName(t *testing.T) {
	tests := []struct {
		name       string
		pathPrefix string
		taskIndex  int
		fileIndex  int
		want       string
	}{
		{
			name:       "plain prefix",
			pathPrefix: "logs/out",
			taskIndex:  1,
			fileIndex:  2,
			want:       "logs/out.001.02.csv",
		},
		{
			name:       "relative prefix",
			pathPrefix: "./logs/out",
			taskIndex:  0,
			fileIndex:  0,
			want:       "logs/out.000.00.csv",
		},
		{
			name:       "absolute prefix",
			pathPrefix: "/data/part",
			taskIndex:  0,
			fileIndex:  0,
			want:       "data/part.000.00.csv",
		},
		{
			name:       "mixed leading run",
			pathPrefix: ".//./out",
			taskIndex:  12,
			fileIndex:  3,
			want:       "out.012.03.csv",
		},
		{
			name:       "interior dots survive",
			pathPrefix: "a/./b",
			taskIndex:  0,
			fileIndex:  0,
			want:       "a/./b.000.00.csv",
		},
		{
			name:       "long leading run",
			pathPrefix: "......///sample",
			taskIndex:  0,
			fileIndex:  1,
			want:       "sample.000.01.csv",
		},
		{
			name:       "parent segment survives",
			pathPrefix: "path/to/../sample",
			taskIndex:  0,
			fileIndex:  1,
			want:       "path/to/../sample.000.01.csv",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := gcstypes.Task{
				TaskIndex:      tt.taskIndex,
				PathPrefix:     tt.pathPrefix,
				FileExt:        ".csv",
				SequenceFormat: ".%03d.%02d",
			}
			assert.Equal(t, tt.want, remoteName(task, tt.fileIndex))
		})
	}
}

func TestOutput_SingleFile(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	o := newTestOutput(t, store, nil)

	idx, err := o.NextFile()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	require.NoError(t, o.Add([]byte("id,name\n")))
	require.NoError(t, o.Add([]byte("1,alice\n")))
	require.NoError(t, o.Finish())

	report := o.Commit()
	assert.Equal(t, 1, report.TaskIndex)
	require.Len(t, report.Files, 1)

	obj := report.Files[0]
	assert.Equal(t, "logs/out.001.00.csv", obj.Name)
	assert.Equal(t, "my-bucket", obj.Bucket)
	assert.Equal(t, int64(len("id,name\n1,alice\n")), obj.Size)
	assert.NotEmpty(t, obj.MD5)

	content, ok := store.Content("logs/out.001.00.csv")
	require.True(t, ok)
	assert.Equal(t, []byte("id,name\n1,alice\n"), content)

	require.NoError(t, o.Close())
}

func TestOutput_RoundTripReadBack(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	o := newTestOutput(t, store, nil)

	payload := []byte("known byte sequence for round-trip verification\n")

	_, err := o.NextFile()
	require.NoError(t, err)
	require.NoError(t, o.Add(payload))
	require.NoError(t, o.Finish())

	report := o.Commit()
	require.Len(t, report.Files, 1)

	r, err := store.NewReader(context.Background(), report.Files[0].Name)
	require.NoError(t, err)
	defer r.Close()

	stored, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	sum := md5.Sum(payload)
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), report.Files[0].MD5,
		"the store's hash must match the hash of the local bytes")
}

func TestOutput_MultipleFiles(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	o := newTestOutput(t, store, nil)

	_, err := o.NextFile()
	require.NoError(t, err)
	require.NoError(t, o.Add([]byte("first")))

	idx, err := o.NextFile()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	require.NoError(t, o.Add([]byte("second")))

	require.NoError(t, o.Finish())

	report := o.Commit()
	require.Len(t, report.Files, 2)
	assert.Equal(t, "logs/out.001.00.csv", report.Files[0].Name)
	assert.Equal(t, "logs/out.001.01.csv", report.Files[1].Name)

	first, _ := store.Content("logs/out.001.00.csv")
	second, _ := store.Content("logs/out.001.01.csv")
	assert.Equal(t, []byte("first"), first)
	assert.Equal(t, []byte("second"), second)
}

func TestOutput_EmptyFile(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	o := newTestOutput(t, store, nil)

	_, err := o.NextFile()
	require.NoError(t, err)
	require.NoError(t, o.Finish())

	report := o.Commit()
	require.Len(t, report.Files, 1)
	assert.Zero(t, report.Files[0].Size)

	content, ok := store.Content("logs/out.001.00.csv")
	require.True(t, ok)
	assert.Empty(t, content)
}

func TestOutput_ChunkedUpload(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	o := newTestOutput(t, store, func(c *Config) {
		c.FlushThresholdBytes = 10
	})

	_, err := o.NextFile()
	require.NoError(t, err)

	var want bytes.Buffer
	for i := 0; i < 7; i++ {
		row := []byte(strings.Repeat(string(rune('a'+i)), 5))
		want.Write(row)
		require.NoError(t, o.Add(row))
	}
	require.NoError(t, o.Finish())

	report := o.Commit()
	require.Len(t, report.Files, 1)
	assert.Equal(t, "logs/out.001.00.csv", report.Files[0].Name)
	// Composite objects carry no MD5.
	assert.Empty(t, report.Files[0].MD5)

	content, ok := store.Content("logs/out.001.00.csv")
	require.True(t, ok)
	assert.Equal(t, want.Bytes(), content)

	// Intermediate chunks are cleaned up after the compose.
	assert.Equal(t, []string{"logs/out.001.00.csv"}, store.ObjectNames())
}

func TestOutput_ChunkedUpload_ManyChunks(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	o := newTestOutput(t, store, func(c *Config) {
		c.FlushThresholdBytes = 1
	})

	_, err := o.NextFile()
	require.NoError(t, err)

	// Enough writes for far more rotations than the compose fan-in limit
	// allows. Rotation must stop at 30 chunks so the tail is at most the
	// 31st intermediate; the fake store rejects any compose with too many
	// sources.
	var want bytes.Buffer
	for i := 0; i < 64; i++ {
		b := []byte{byte('a' + i%26)}
		want.Write(b)
		require.NoError(t, o.Add(b))
	}
	require.NoError(t, o.Finish())

	content, ok := store.Content("logs/out.001.00.csv")
	require.True(t, ok)
	assert.Equal(t, want.Bytes(), content)
	assert.Equal(t, []string{"logs/out.001.00.csv"}, store.ObjectNames())

	// 30 rotated chunks plus the tail as chunk 30; never a chunk 31.
	chunks := 0
	for i := 0; i < 64; i++ {
		chunks += store.InsertCalls(fmt.Sprintf("logs/out.001.00.csv.chunk%04d", i))
	}
	assert.Equal(t, 31, chunks)
	assert.Equal(t, 1, store.InsertCalls("logs/out.001.00.csv.chunk0029"))
	assert.Equal(t, 1, store.InsertCalls("logs/out.001.00.csv.chunk0030"))
	assert.Zero(t, store.InsertCalls("logs/out.001.00.csv.chunk0031"))
}

func TestOutput_AddDoesNotWaitOnUploads(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	gate := make(chan struct{})
	store.InsertHook = func(name string, call int) error {
		<-gate
		return nil
	}
	o := newTestOutput(t, store, func(c *Config) {
		c.FlushThresholdBytes = 1
	})

	_, err := o.NextFile()
	require.NoError(t, err)

	// Every upload is stalled behind the gate. Rotations must still return
	// promptly: chunks land on disk and in the queue without waiting on
	// the network, even when every allowed rotation is pending at once.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 30; i++ {
			if err := o.Add([]byte{byte('a' + i%26)}); err != nil {
				t.Errorf("Add: %v", err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Add blocked behind a stalled upload")
	}

	close(gate)
	require.NoError(t, o.Finish())

	content, ok := store.Content("logs/out.001.00.csv")
	require.True(t, ok)
	assert.Len(t, content, 30)
}

func TestOutput_RetriesTransientInsert(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	store.InsertHook = func(name string, call int) error {
		if call < 3 {
			return &googleapi.Error{Code: http.StatusServiceUnavailable}
		}
		return nil
	}
	o := newTestOutput(t, store, nil)

	_, err := o.NextFile()
	require.NoError(t, err)
	require.NoError(t, o.Add([]byte("payload")))
	require.NoError(t, o.Finish())

	assert.Equal(t, 3, store.InsertCalls("logs/out.001.00.csv"))
	content, _ := store.Content("logs/out.001.00.csv")
	assert.Equal(t, []byte("payload"), content)
}

func TestOutput_FatalInsertFailsFast(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	store.InsertHook = func(name string, call int) error {
		return &googleapi.Error{Code: http.StatusForbidden}
	}
	o := newTestOutput(t, store, nil)

	_, err := o.NextFile()
	require.NoError(t, err)
	require.NoError(t, o.Add([]byte("payload")))

	err = o.Finish()
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
	assert.Equal(t, 1, store.InsertCalls("logs/out.001.00.csv"))
	assert.Empty(t, o.Commit().Files)
}

func TestOutput_InsertExhaustsBudget(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	store.InsertHook = func(name string, call int) error {
		return &googleapi.Error{Code: http.StatusInternalServerError}
	}
	o := newTestOutput(t, store, nil)

	_, err := o.NextFile()
	require.NoError(t, err)
	require.NoError(t, o.Add([]byte("payload")))

	err = o.Finish()
	require.Error(t, err)
	assert.True(t, errors.IsRetryExhausted(err))
	assert.Equal(t, 3, store.InsertCalls("logs/out.001.00.csv"))
}

func TestOutput_AddWithoutOpenFile(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	o := newTestOutput(t, store, nil)

	err := o.Add([]byte("early"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidInput(err))
}

func TestOutput_UseAfterClose(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	o := newTestOutput(t, store, nil)
	require.NoError(t, o.Close())

	err := o.Add([]byte("late"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrOutputClosed)

	_, err = o.NextFile()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrOutputClosed)

	require.NoError(t, o.Close(), "close is idempotent")
}

func TestOutput_AbortLeavesUploadedObjects(t *testing.T) {
	store := testutil.NewFakeStore("my-bucket")
	o := newTestOutput(t, store, nil)

	_, err := o.NextFile()
	require.NoError(t, err)
	require.NoError(t, o.Add([]byte("done")))

	// Completing the first file uploads it; the second stays staged.
	_, err = o.NextFile()
	require.NoError(t, err)
	require.NoError(t, o.Add([]byte("half-written")))

	o.Abort()

	content, ok := store.Content("logs/out.001.00.csv")
	require.True(t, ok, "aborting must not delete uploaded objects")
	assert.Equal(t, []byte("done"), content)

	_, ok = store.Content("logs/out.001.01.csv")
	assert.False(t, ok, "the staged file must not be uploaded after abort")
}

func TestOutput_ContentType(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		store := testutil.NewFakeStore("my-bucket")
		o := newTestOutput(t, store, func(c *Config) {
			c.ContentType = "text/csv"
		})

		_, err := o.NextFile()
		require.NoError(t, err)
		require.NoError(t, o.Add([]byte("a,b\n")))
		require.NoError(t, o.Finish())

		assert.Equal(t, "text/csv", store.ContentType("logs/out.001.00.csv"))
	})

	t.Run("detected", func(t *testing.T) {
		store := testutil.NewFakeStore("my-bucket")
		o := newTestOutput(t, store, nil)

		_, err := o.NextFile()
		require.NoError(t, err)
		require.NoError(t, o.Add([]byte("plain text content\n")))
		require.NoError(t, o.Finish())

		assert.True(t, strings.HasPrefix(store.ContentType("logs/out.001.00.csv"), "text/plain"))
	})
}

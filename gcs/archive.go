// Package gcs contains a Sink that archives the final scoreboard of a
// tournament to a Google Cloud Storage object.
//
// Every peer may run an Archive pointed at the same object: writes carry a
// create-only precondition, so exactly one peer's copy lands and the others
// find it already archived.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"reflect"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/vimeo/spellingbee/wire"
)

// DefaultWriteTimeout bounds a single archive write.
const DefaultWriteTimeout = 30 * time.Second

type archiveOptions struct {
	acls    []storage.ACLRule
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

// ArchiveOpts configures an Archive at construction-time
type ArchiveOpts func(*archiveOptions)

// WithLogger sets the logger write outcomes are reported to.
func WithLogger(l *zap.Logger) ArchiveOpts {
	return func(cfg *archiveOptions) {
		cfg.logger = l
	}
}

// WithACLEntry adds rule to the ACL of the archive object.
func WithACLEntry(rule storage.ACLRule) ArchiveOpts {
	return func(cfg *archiveOptions) {
		cfg.acls = append(cfg.acls, rule)
	}
}

// WithObjectReaders grants read access on the archive object to each
// entity, e.g. "allAuthenticatedUsers" or "group-scores@example.com".
// Empty entities are skipped.
func WithObjectReaders(entities ...string) ArchiveOpts {
	return func(cfg *archiveOptions) {
		for _, e := range entities {
			if e == "" {
				continue
			}
			cfg.acls = append(cfg.acls, storage.ACLRule{Entity: storage.ACLEntity(e), Role: storage.RoleReader})
		}
	}
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) ArchiveOpts {
	return func(cfg *archiveOptions) {
		cfg.timeout = d
	}
}

// Result is the archived document.
type Result struct {
	FinishedAt time.Time         `json:"finishedAt"`
	Rounds     int               `json:"rounds"`
	UsedWords  []string          `json:"usedWords,omitempty"`
	Entries    []wire.ScoreEntry `json:"entries"`
}

// Archive implements spellingbee.Sink, writing the final scoreboard to a
// specific object in a specific bucket.
type Archive struct {
	ctx     context.Context
	bucket  *storage.BucketHandle
	object  string
	acls    []storage.ACLRule
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu   sync.Mutex
	last wire.Scoreboard
	wg   sync.WaitGroup
}

// NewArchive creates a new gcs.Archive. Writes started from GameOver run
// under ctx.
func NewArchive(ctx context.Context, client *storage.Client, bucket, object string, opts ...ArchiveOpts) *Archive {
	cfg := archiveOptions{timeout: DefaultWriteTimeout, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return &Archive{
		ctx:     ctx,
		bucket:  client.Bucket(bucket),
		object:  object,
		acls:    cfg.acls,
		logger:  cfg.logger.With(zap.String("bucket", bucket), zap.String("object", object)),
		timeout: cfg.timeout,
		now:     cfg.now,
	}
}

func (a *Archive) objHandle() *storage.ObjectHandle {
	return a.bucket.Object(a.object)
}

// RoundStarted implements spellingbee.Sink
func (a *Archive) RoundStarted(round int, word string) {}

// Scoreboard implements spellingbee.Sink; the latest scoreboard supplies the
// round count and used words of the archived result.
func (a *Archive) Scoreboard(sb wire.Scoreboard) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = sb.Clone()
}

// GameOver implements spellingbee.Sink. The write happens in the
// background; Wait blocks until it is done.
func (a *Archive) GameOver(entries []wire.ScoreEntry) {
	a.mu.Lock()
	res := Result{
		FinishedAt: a.now().UTC(),
		Rounds:     a.last.NextRound,
		UsedWords:  append([]string(nil), a.last.UsedWords...),
		Entries:    append([]wire.ScoreEntry(nil), entries...),
	}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		switch err := a.Write(a.ctx, res); {
		case err == nil:
			a.logger.Info("archived final scoreboard")
		case IsAlreadyArchived(err):
			a.logger.Info("final scoreboard already archived by another peer")
		default:
			a.logger.Error("failed to archive final scoreboard", zap.Error(err))
		}
	}()
}

// Wait blocks until background writes finish.
func (a *Archive) Wait() {
	a.wg.Wait()
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func encodeResult(res Result) ([]byte, error) {
	contents, marshalErr := json.Marshal(res)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to serialize result for writing: %w", marshalErr)
	}
	return contents, nil
}

func validateResult(contents []byte, res Result) error {
	decoded := Result{}
	dec := json.NewDecoder(bytes.NewReader(contents))
	dec.DisallowUnknownFields()
	if unmarshalErr := dec.Decode(&decoded); unmarshalErr != nil {
		return unmarshalErr
	}
	if !decoded.FinishedAt.Equal(res.FinishedAt) {
		return fmt.Errorf("mismatched serialized and deserialized finish times: %s vs %s",
			res.FinishedAt, decoded.FinishedAt)
	}
	decoded.FinishedAt = res.FinishedAt
	if !reflect.DeepEqual(decoded, res) {
		return fmt.Errorf("mismatched serialized and deserialized results: %+v vs %+v", res, decoded)
	}
	return nil
}

// Write stores res unless the object already exists, in which case the
// returned error satisfies IsAlreadyArchived.
func (a *Archive) Write(ctx context.Context, res Result) error {
	newContents, encErr := encodeResult(res)
	if encErr != nil {
		return encErr
	}
	if validateErr := validateResult(newContents, res); validateErr != nil {
		// This should only ever fail if there's a bit-flip or
		// memory-corruption. Panic to be safe.
		panic(fmt.Errorf("result round-trip failure: %w", validateErr))
	}

	obj := a.objHandle().If(storage.Conditions{DoesNotExist: true})

	writeCtx, writeCancel := context.WithTimeout(ctx, a.timeout)
	defer writeCancel()
	w := obj.NewWriter(writeCtx)
	w.ContentType = "application/json"
	w.CRC32C = crc32.Checksum(newContents, crc32cTable)
	w.SendCRC32C = true
	w.ACL = a.acls

	if _, wrErr := w.Write(newContents); wrErr != nil {
		w.Close()
		return fmt.Errorf("failed to write contents: %w", wrErr)
	}
	return classifyCloseErr(w.Close())
}

func classifyCloseErr(closeErr error) error {
	var ge *googleapi.Error
	switch {
	case closeErr == nil:
		return nil
	case errors.As(closeErr, &ge) && ge.Code == http.StatusPreconditionFailed:
		return &alreadyArchivedErr{err: closeErr}
	default:
		return fmt.Errorf("failed to close: %w", closeErr)
	}
}

// alreadyArchivedErr indicates that the precondition failed: someone else
// archived the result first.
type alreadyArchivedErr struct {
	err error
}

func (f *alreadyArchivedErr) Error() string {
	return fmt.Sprintf("result already archived: %s", f.err)
}

func (f *alreadyArchivedErr) Unwrap() error {
	return f.err
}

// IsAlreadyArchived reports whether err came from losing the race to create
// the archive object.
func IsAlreadyArchived(err error) bool {
	var aa *alreadyArchivedErr
	return errors.As(err, &aa)
}

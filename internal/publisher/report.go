package publisher

import (
	"log/slog"
	"time"

	"github.com/florianilch/spo-archiver/internal/drive"
)

// State is a position in the workflow. Runs move forward only:
// start → authenticated → uploaded → listed → pruned → done, or failed from any state.
type State string

const (
	StateStart         State = "start"
	StateAuthenticated State = "authenticated"
	StateUploaded      State = "uploaded"
	StateListed        State = "listed"
	StatePruned        State = "pruned"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// Report describes what a run did.
type Report struct {
	Archive  string
	Size     int64
	State    State
	Uploaded *drive.Item
	Listed   int
	Deleted  []drive.Item
	// Missing were selected but already gone when the delete was issued.
	Missing  []drive.Item
	Failures []DeleteFailure
	Duration time.Duration
}

// LogValue implements slog.LogValuer.
func (r *Report) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("state", string(r.State)),
		slog.Int("listed", r.Listed),
		slog.Int("deleted", len(r.Deleted)),
		slog.Int("missing", len(r.Missing)),
		slog.Int("delete_failures", len(r.Failures)),
		slog.Duration("duration", r.Duration),
	}
	if r.Archive != "" {
		attrs = append(attrs, slog.String("archive", r.Archive), slog.Int64("bytes", r.Size))
	}
	if r.Uploaded != nil {
		attrs = append(attrs, slog.String("uploaded_id", r.Uploaded.ID))
	}
	return slog.GroupValue(attrs...)
}

package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/pinyin/internal/pipeline"
)

// Fanout forwards everything to each sink in order. A failing sink does not
// stop delivery to the others.
type Fanout []pipeline.Sink

var _ pipeline.Sink = Fanout(nil)

// HandleEvent implements pipeline.Sink.
func (f Fanout) HandleEvent(ev pipeline.Event) {
	for _, s := range f {
		s.HandleEvent(ev)
	}
}

// WriteRecord implements pipeline.Sink. Errors from all sinks are joined.
func (f Fanout) WriteRecord(rec pipeline.Record) error {
	var errs []error
	for _, s := range f {
		if err := s.WriteRecord(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONLines writes every record as one JSON object per line. Events are
// ignored.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ pipeline.Sink = (*JSONLines)(nil)

// NewJSONLines writes to w.
func NewJSONLines(w io.Writer) *JSONLines {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLines{enc: enc}
}

// HandleEvent implements pipeline.Sink.
func (j *JSONLines) HandleEvent(pipeline.Event) {}

// WriteRecord implements pipeline.Sink.
func (j *JSONLines) WriteRecord(rec pipeline.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("output: write record %s: %w", rec.SegmentID, err)
	}
	return nil
}

package splitter

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"

	cebinding "github.com/cloudevents/sdk-go/v2/binding"
	ceevent "github.com/cloudevents/sdk-go/v2/event"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/lsm/fanin/internal/blob"
)

// FinalizedEventType is the event emitted when an object is created or
// overwritten.
const FinalizedEventType = "google.cloud.storage.object.v1.finalized"

// StorageObject is the data of a storage object event.
type StorageObject struct {
	Bucket         string     `json:"bucket"`
	Name           string     `json:"name"`
	Generation     generation `json:"generation"`
	Metageneration generation `json:"metageneration"`
	ContentType    string     `json:"contentType,omitempty"`
	Size           generation `json:"size,omitempty"`
}

// Location returns the object's address.
func (o StorageObject) Location() blob.Location {
	return blob.Location{Bucket: o.Bucket, Key: o.Name}
}

// generation holds a numeric field that may arrive as a JSON string or number.
type generation string

func (g *generation) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*g = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		*g = generation(s)
		return nil
	}
	*g = generation(b)
	return nil
}

// HandleEvent splits the object named by a storage event. Events for
// metadata updates, events without an object and objects that cannot be
// split are logged and acknowledged by returning nil. Any other failure is
// returned so the event is delivered again.
func (s *Splitter) HandleEvent(ctx context.Context, evt *ceevent.Event) error {
	if evt == nil {
		return errors.New("cloud event is nil")
	}
	logger := s.logger.With("event_id", evt.ID(), "event_type", evt.Type())

	var obj StorageObject
	if err := evt.DataAs(&obj); err != nil {
		logger.Error("ignoring event with unreadable data", "error", err)
		return nil
	}
	if obj.Metageneration != "1" {
		logger.Info("ignoring metadata update", "bucket", obj.Bucket, "object", obj.Name, "metageneration", string(obj.Metageneration))
		return nil
	}
	loc := obj.Location()
	if err := loc.Validate(); err != nil {
		logger.Error("ignoring event without object", "error", err)
		return nil
	}

	res, err := s.Split(ctx, loc)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotArray), errors.Is(err, ErrInvalidJSON):
		logger.Warn("object not split", "source", loc.String(), "error", err)
		return nil
	case err != nil:
		return err
	}
	logger.Info("object split",
		"source", loc.String(),
		"published", res.Published,
		"execution", res.TriggerID,
	)
	return nil
}

// ServeHTTP receives CloudEvents in binary or structured mode. Malformed
// requests get 400, retryable failures 500 and everything else 204.
func (s *Splitter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	message := cehttp.NewMessageFromHttpRequest(r)
	defer func() {
		_ = message.Finish(nil)
	}()

	evt, err := cebinding.ToEvent(r.Context(), message)
	if err != nil {
		s.logger.Warn("rejecting malformed cloud event", "error", err)
		http.Error(w, "malformed cloud event: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.HandleEvent(r.Context(), evt); err != nil {
		s.logger.Error("event failed, requesting redelivery", "event_id", evt.ID(), "error", err)
		http.Error(w, "split failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

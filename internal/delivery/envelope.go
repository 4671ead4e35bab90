package delivery

import (
	"encoding/json"
	"time"

	"github.com/herald-sh/herald/internal/models"
)

// Envelope is the JSON body POSTed to webhook endpoints. The signed bytes
// are exactly the marshaled envelope.
type Envelope struct {
	Event   string          `json:"event"`
	Channel EnvelopeChannel `json:"channel"`
	Signal  EnvelopeSignal  `json:"signal"`
}

type EnvelopeChannel struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	DisplayName string `json:"displayName"`
}

type EnvelopeSignal struct {
	ID        string               `json:"id"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Urgency   models.SignalUrgency `json:"urgency"`
	Metadata  json.RawMessage      `json:"metadata"`
	CreatedAt time.Time            `json:"created_at"`
}

// Marshal produces the exact bytes that are signed and sent.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func BuildEnvelope(channel *models.Channel, signal *models.Signal) Envelope {
	metadata := signal.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	return Envelope{
		Event: "signal",
		Channel: EnvelopeChannel{
			ID:          channel.ID,
			Slug:        channel.Slug,
			DisplayName: channel.DisplayName,
		},
		Signal: EnvelopeSignal{
			ID:        signal.ID,
			Title:     signal.Title,
			Body:      signal.Body,
			Urgency:   signal.Urgency,
			Metadata:  metadata,
			CreatedAt: signal.CreatedAt,
		},
	}
}

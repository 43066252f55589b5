package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestKafkaPublisherKeysByVehicle(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaPublisher{writer: w}
	e := Assigned(&models.Assignment{DispatchID: 7, RequestID: 3, VehicleID: 12, OperatorID: 4, Plate: "KA-01-1234", ETAMin: 5})

	require.NoError(t, p.Publish(context.Background(), e))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "12", string(w.msgs[0].Key))
	assert.Equal(t, string(DispatchAssigned), string(w.msgs[0].Headers[0].Value))

	got, err := Decode(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, models.StatusBusy, got.VehicleStatus)
	assert.Equal(t, 5, got.ETAMin)
}

func TestKafkaPublisherReturnsWriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &captureWriter{err: errors.New("broker down")}}
	err := p.Publish(context.Background(), Completed(&models.Completion{VehicleID: 1, CompletedAt: time.Now()}))
	require.Error(t, err)
}

func TestCompletedEvent(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e := Completed(&models.Completion{DispatchID: 9, VehicleID: 2, VehicleLoc: models.Coord{Lat: 12.9, Lon: 77.6}, CompletedAt: at})
	assert.Equal(t, DispatchCompleted, e.Type)
	assert.Equal(t, models.StatusAvailable, e.VehicleStatus)
	assert.Equal(t, at, e.At)
	assert.NotEmpty(t, e.ID)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `{`},
		{"unknown type", `{"type":"dispatch.cancelled","vehicle_id":1}`},
		{"no vehicle", `{"type":"dispatch.assigned"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

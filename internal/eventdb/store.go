// Package eventdb reads and writes device progress events in InfluxDB.
// Devices report download progress through the ingest pipeline; this store
// only ever appends (synthetic timeout facts) and queries, never deletes.
package eventdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"

	"github.com/fleetota/fleetota"
)

const measurement = "download_events"

var _ fleetota.EventStore = (*Store)(nil)

// Store is the InfluxDB-backed progress event store.
type Store struct {
	client influxdb2.Client
	query  api.QueryAPI
	write  api.WriteAPIBlocking
	bucket string
}

// New connects to InfluxDB. The token must be authorized for both reads and
// writes on the bucket.
func New(url, token, org, bucket string) *Store {
	client := influxdb2.NewClient(url, token)
	return &Store{
		client: client,
		query:  client.QueryAPI(org),
		write:  client.WriteAPIBlocking(org, bucket),
		bucket: bucket,
	}
}

// Close shuts down the underlying client.
func (s *Store) Close() {
	s.client.Close()
}

// LatestPerDevice returns the most recent event per device for one command
// id. A nil deviceIDs slice disables the device filter.
func (s *Store) LatestPerDevice(ctx context.Context, commandID string, deviceIDs []int64) ([]fleetota.ProgressEvent, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `from(bucket: %q)
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == %q)
  |> filter(fn: (r) => r.command_id == %q)
`, s.bucket, measurement, commandID)
	if deviceIDs != nil {
		b.WriteString(`  |> filter(fn: (r) => contains(value: r.device_id, set: [`)
		for i, id := range deviceIDs {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%q", strconv.FormatInt(id, 10))
		}
		b.WriteString("]))\n")
	}
	b.WriteString(`  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group(columns: ["device_id"])
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: 1)
`)

	result, err := s.query.Query(ctx, b.String())
	if err != nil {
		return nil, errors.Wrap(err, "eventdb: latest-per-device query failed")
	}
	var out []fleetota.ProgressEvent
	for result.Next() {
		rec := result.Record()
		deviceID, err := strconv.ParseInt(stringValue(rec.ValueByKey("device_id")), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "eventdb: malformed device_id tag")
		}
		out = append(out, fleetota.ProgressEvent{
			CommandID: commandID,
			DeviceID:  deviceID,
			Status:    stringValue(rec.ValueByKey("status")),
			Message:   stringValue(rec.ValueByKey("message")),
			Progress:  intValue(rec.ValueByKey("progress")),
			Timestamp: rec.Time(),
		})
	}
	if result.Err() != nil {
		return nil, errors.Wrap(result.Err(), "eventdb: latest-per-device result failed")
	}
	return out, nil
}

// AppendTimeouts records one synthetic TIMEOUT event per device so that
// later event queries agree with the relational history.
func (s *Store) AppendTimeouts(ctx context.Context, commandID string, deviceIDs []int64, at time.Time) error {
	for _, deviceID := range deviceIDs {
		pt := influxdb2.NewPoint(measurement,
			map[string]string{
				"command_id": commandID,
				"device_id":  strconv.FormatInt(deviceID, 10),
			},
			map[string]interface{}{
				"status":   string(fleetota.StatusTimeout),
				"message":  "Timeout",
				"progress": int64(0),
			},
			at)
		if err := s.write.WritePoint(ctx, pt); err != nil {
			return errors.Wrapf(err, "eventdb: write timeout event for device %d failed", deviceID)
		}
	}
	return nil
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func intValue(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

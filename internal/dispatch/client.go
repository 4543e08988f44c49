// Package dispatch delivers deployment commands to the external command
// handler over HTTP and mints the signed artifact URLs embedded in them.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetota/fleetota"
)

const defaultTimeout = 10 * time.Second

var _ fleetota.Dispatcher = (*CommandClient)(nil)

// CommandClient posts deployment descriptors to the command handler, which
// relays them to devices over its own channel.
type CommandClient struct {
	baseURL string
	client  *http.Client
}

// NewCommandClient builds a client against the handler base URL.
func NewCommandClient(baseURL string) *CommandClient {
	return &CommandClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

func commandPath(kind fleetota.Kind) string {
	if kind == fleetota.KindAds {
		return "/api/advertisements/deployment"
	}
	return "/api/firmwares/deployment"
}

// Dispatch posts cmd to the handler. A non-2xx response is reported as
// ErrDispatchFailed; the caller decides whether the deployment survives.
func (c *CommandClient) Dispatch(ctx context.Context, cmd fleetota.DeploymentCommand) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "dispatch: marshal command failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+commandPath(cmd.Kind), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "dispatch: build request failed")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(fleetota.ErrDispatchFailed, "post command %s: %v", cmd.CommandID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(fleetota.ErrDispatchFailed, "command %s rejected with status %d", cmd.CommandID, resp.StatusCode)
	}
	return nil
}

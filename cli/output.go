package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/client"
)

// apiClient returns a client for the workbench service of the operator commands
func (o *RootOptions) apiClient() *client.HTTPClient {
	timeout := 30 * time.Second
	if o.Config != nil && o.Config.Timeouts.NetworkCall > 0 {
		timeout = o.Config.Timeouts.NetworkCall
	}
	return client.NewHTTPClient(o.ServerURL, timeout)
}

// call sends a request to the service and decodes a 2xx JSON answer into out
func (o *RootOptions) call(ctx context.Context, method, endpoint string, body, out any) error {
	resp, err := o.apiClient().Call(ctx, method, endpoint, body, nil)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if err := client.Expect(resp, method+" "+endpoint); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return client.UnmarshalBody(resp, out)
}

// printJSON writes v indented
func printJSON(w io.Writer, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

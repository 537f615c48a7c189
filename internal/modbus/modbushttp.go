package modbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goburrow/modbus"
)

// SendResponse is the body returned by a modbus_server bridge.
type SendResponse struct {
	ADUResponse []byte
	Error       string
}

// HTTPHandler frames requests as RTU and posts them to a remote bridge
// instead of a local serial port.
type HTTPHandler struct {
	*modbus.RTUClientHandler

	baseURL  string
	password string
	client   *http.Client
}

func NewHTTPHandler(baseURL, password string) *HTTPHandler {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = 1
	return &HTTPHandler{
		RTUClientHandler: handler,
		baseURL:          baseURL,
		password:         password,
		client:           &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPHandler) Send(aduRequest []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL, bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.password != "" {
		req.SetBasicAuth("dish", c.password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return nil, err
	}
	if sendResponse.Error != "" {
		err = errors.New(sendResponse.Error)
	}
	return sendResponse.ADUResponse, err
}

func (c *HTTPHandler) Connect() error {
	return nil
}

func (c *HTTPHandler) Close() error {
	return nil
}

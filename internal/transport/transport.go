// Package transport delivers serialized LayerJob envelopes between nodes
// (spec §4.5, §6): a request/response datagram over HTTP, status 200
// required, a body equal to "DOWN" treated the same as failure. Grounded
// on original_source's pipes/pipe.py Pipe.send_job (requests.post +
// content == b'DOWN' check) and the teacher's network.go Noise-wrapped
// channel for authenticated delivery between already-paired peers.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flynn/noise"

	"github.com/lang-pipes/lpnode/internal/lperr"
	"github.com/lang-pipes/lpnode/internal/pipe"
	"github.com/lang-pipes/lpnode/internal/statenet"
)

// Sender implements pipe.Sender by POSTing the envelope to the
// destination node's advertised job_port, resolved through a
// statenet.Directory.
type Sender struct {
	Directory statenet.Directory
	Client    *http.Client
	// Cipher optionally wraps outbound payloads in an authenticated
	// Noise channel keyed per destination node (spec §1: "the
	// messaging layer authenticates peers"). Nil means send in the
	// clear, as cmd/lpnode and this package's tests do.
	Cipher *NoiseCipher
}

// NewSender builds a Sender with sane defaults.
func NewSender(dir statenet.Directory, cipher *NoiseCipher) *Sender {
	return &Sender{
		Directory: dir,
		Client:    &http.Client{Timeout: 10 * time.Second},
		Cipher:    cipher,
	}
}

// Send implements pipe.Sender (spec §4.5, §6).
func (s *Sender) Send(destNodeID string, envelope []byte) error {
	addr, err := s.Directory.ConnectionFromNode(destNodeID)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w: %w", destNodeID, lperr.ErrSendFailed, err)
	}

	payload := envelope
	if s.Cipher != nil {
		payload, err = s.Cipher.Encrypt(destNodeID, envelope)
		if err != nil {
			return fmt.Errorf("transport: encrypt to %s: %w: %w", destNodeID, lperr.ErrSendFailed, err)
		}
	}

	url := fmt.Sprintf("http://%s/layer_job", addr)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("transport: build request: %w: %w", lperr.ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: post to %s: %w: %w", destNodeID, lperr.ErrSendFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read response from %s: %w: %w", destNodeID, lperr.ErrSendFailed, err)
	}

	return pipe.CheckHTTPResponse(resp.StatusCode, body)
}

// NoiseCipher wraps the Noise Protocol XX handshake state machine
// (github.com/flynn/noise, the teacher's direct dependency) into a
// simple per-peer encrypt/decrypt pair. A production deployment
// completes the XX handshake once per peer pair at connection setup;
// this type holds the post-handshake cipher states keyed by peer.
type NoiseCipher struct {
	send map[string]*noise.CipherState
	recv map[string]*noise.CipherState
}

// NewNoiseCipher constructs an empty cipher set; call Bind once per peer
// after completing a handshake (out of scope here: handshake transcript
// management belongs to the state network collaborator per spec §1).
func NewNoiseCipher() *NoiseCipher {
	return &NoiseCipher{send: make(map[string]*noise.CipherState), recv: make(map[string]*noise.CipherState)}
}

// Bind installs the post-handshake send/receive cipher states for a peer.
func (c *NoiseCipher) Bind(nodeID string, send, recv *noise.CipherState) {
	c.send[nodeID] = send
	c.recv[nodeID] = recv
}

// Encrypt authenticates and encrypts payload for nodeID.
func (c *NoiseCipher) Encrypt(nodeID string, payload []byte) ([]byte, error) {
	cs, ok := c.send[nodeID]
	if !ok {
		return nil, fmt.Errorf("transport: no noise session bound for %s", nodeID)
	}
	return cs.Encrypt(nil, nil, payload)
}

// Decrypt authenticates and decrypts payload received from nodeID.
func (c *NoiseCipher) Decrypt(nodeID string, payload []byte) ([]byte, error) {
	cs, ok := c.recv[nodeID]
	if !ok {
		return nil, fmt.Errorf("transport: no noise session bound for %s", nodeID)
	}
	return cs.Decrypt(nil, nil, payload)
}

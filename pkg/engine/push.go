package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gridctl/imagectl/pkg/host"
	"github.com/gridctl/imagectl/pkg/logging"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"
)

// ErrPushIncomplete is returned when a push stream ends without the
// engine reporting the pushed digest.
var ErrPushIncomplete = errors.New("push stream ended without a digest")

// Publisher pushes built tags to their registries.
type Publisher struct {
	conn   Conn
	logger *slog.Logger
}

// NewPublisher creates a Publisher using conn for engine calls.
func NewPublisher(conn Conn) *Publisher {
	return &Publisher{conn: conn, logger: logging.NewDiscardLogger()}
}

// SetLogger sets the logger for push diagnostics.
func (p *Publisher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Push pushes each tag in order and waits for the engine to report the
// pushed digest of each one. The first failure aborts the remaining pushes.
func (p *Publisher) Push(ctx context.Context, tags []string, sink logging.Sink) error {
	sink.Append(fmt.Sprintf("Pushing %v", tags))
	if len(tags) == 0 {
		return nil
	}

	cli, err := p.conn.Client()
	if err != nil {
		return err
	}

	auth, err := encodeRegistryAuth(p.conn.RegistryAuth())
	if err != nil {
		return &PushError{Tag: tags[0], Err: err}
	}

	for _, tag := range tags {
		ref, err := pushReference(tag)
		if err != nil {
			return &PushError{Tag: tag, Err: err}
		}

		sink.Append("Pushing " + ref)
		rc, err := cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
		if err != nil {
			return &PushError{Tag: tag, Err: err}
		}
		digest, err := streamPushProgress(rc, sink)
		rc.Close()
		if err != nil {
			return &PushError{Tag: tag, Err: err}
		}

		sink.Append("Pushed " + ref + "@" + digest)
		p.logger.Info("pushed image", "tag", tag, "ref", ref, "digest", digest)
	}
	return nil
}

// pushReference normalizes a tag into the fully qualified reference the
// engine expects, defaulting the tag to latest.
func pushReference(tag string) (string, error) {
	named, err := reference.ParseNormalizedNamed(tag)
	if err != nil {
		return "", err
	}
	return reference.TagNameOnly(named).String(), nil
}

func encodeRegistryAuth(auth host.RegistryAuth) (string, error) {
	if auth.Empty() {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		IdentityToken: auth.IdentityToken,
		ServerAddress: auth.ServerAddress,
	})
}

// pushAux is the trailing message of a successful push.
type pushAux struct {
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
	Size   int64  `json:"Size"`
}

// streamPushProgress forwards push progress to sink until the engine
// closes the stream and returns the pushed digest. A stream that carries
// an error, or ends without a digest, fails the push.
func streamPushProgress(reader io.Reader, sink logging.Sink) (string, error) {
	decoder := json.NewDecoder(reader)
	var digest string

	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err != io.EOF {
				return "", fmt.Errorf("decoding push output: %w", err)
			}
			if digest == "" {
				return "", ErrPushIncomplete
			}
			return digest, nil
		}

		if msg.Error != nil {
			return "", errors.New(msg.Error.Message)
		}
		if msg.ErrorMessage != "" {
			return "", errors.New(msg.ErrorMessage)
		}

		if msg.Aux != nil {
			var aux pushAux
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.Digest != "" {
				digest = aux.Digest
			}
			continue
		}

		if line := progressLine(&msg); line != "" {
			sink.Append(line)
		}
	}
}

func progressLine(msg *jsonmessage.JSONMessage) string {
	var parts []string
	if msg.ID != "" {
		parts = append(parts, msg.ID+":")
	}
	if msg.Status != "" {
		parts = append(parts, msg.Status)
	}
	if msg.Progress != nil && msg.Progress.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d", msg.Progress.Current, msg.Progress.Total))
	}
	if msg.Stream != "" {
		parts = append(parts, strings.TrimSpace(msg.Stream))
	}
	return strings.Join(parts, " ")
}

package nodes

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	glideerrors "github.com/wehubfusion/Glide/pkg/errors"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Flusher is implemented by publishers that buffer, such as *nats.Conn.
type Flusher interface {
	Flush() error
}

// BlobUploader is satisfied by storage.AzureBlobClient.
type BlobUploader interface {
	Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error)
}

// encode renders item as JSON, mapping row types to plain values first.
func encode(item any) ([]byte, error) {
	data, err := json.Marshal(jsValue(item))
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}
	return data, nil
}

type natsPublish struct {
	mu      sync.Mutex
	flushed []Flusher
}

// NATSPublish builds a node that publishes each item as JSON to "subject" on the
// NATS connection "nc" and forwards it. The connection is flushed when the
// pass ends.
func NATSPublish(name string, opts ...pipeline.NodeOption) (*pipeline.Node, error) {
	return pipeline.NewNode(name, &natsPublish{}, opts...)
}

func (p *natsPublish) Params() []pipeline.Param {
	return []pipeline.Param{
		pipeline.Required("nc"),
		pipeline.Required("subject"),
	}
}

func (p *natsPublish) Begin(_ context.Context, n *pipeline.Node, gs *pipeline.GlobalState) error {
	p.mu.Lock()
	p.flushed = nil
	p.mu.Unlock()

	nc, ok := lookup(n, gs, "nc")
	if !ok {
		return glideerrors.MissingArgument(n.Name(), "nc")
	}
	if _, ok := nc.(Publisher); !ok {
		return glideerrors.InvalidConnectionType("node %q: nc must be a NATS connection, got %T", n.Name(), nc)
	}
	return nil
}

func (p *natsPublish) Run(ctx context.Context, out pipeline.Emitter, item any, args pipeline.Args) error {
	nc, ok := args.Value("nc").(Publisher)
	if !ok {
		return glideerrors.InvalidConnectionType("nc must be a NATS connection, got %T", args.Value("nc"))
	}
	subject := args.String("subject")
	if subject == "" {
		return glideerrors.InvalidConfiguration("subject must be a non-empty string")
	}

	data, err := encode(item)
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	if f, ok := nc.(Flusher); ok {
		p.track(f)
	}
	return out.Push(ctx, item)
}

func (p *natsPublish) track(f Flusher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, seen := range p.flushed {
		if seen == f {
			return
		}
	}
	p.flushed = append(p.flushed, f)
}

// End flushes every connection published to during the pass.
func (p *natsPublish) End(context.Context, pipeline.Emitter) error {
	p.mu.Lock()
	pending := p.flushed
	p.flushed = nil
	p.mu.Unlock()

	var err error
	for _, f := range pending {
		err = multierr.Append(err, f.Flush())
	}
	return err
}

type blobWrite struct {
	seq  atomic.Int64
	node string
	pass string
}

// BlobWrite builds a node that uploads each item as JSON to "client" and
// forwards the blob URL. "path" is a template: {seq} expands to the item's
// sequence number within the pass, {pass} to a per-pass identifier and {node}
// to the node name. Without placeholders, items after the first in a pass get
// "-<seq>" inserted before the extension.
func BlobWrite(name string, opts ...pipeline.NodeOption) (*pipeline.Node, error) {
	return pipeline.NewNode(name, &blobWrite{}, opts...)
}

func (b *blobWrite) Params() []pipeline.Param {
	return []pipeline.Param{
		pipeline.Required("client"),
		pipeline.Required("path"),
		pipeline.Optional("content_type", "application/json"),
		pipeline.Optional("metadata", nil),
	}
}

func (b *blobWrite) Begin(_ context.Context, n *pipeline.Node, gs *pipeline.GlobalState) error {
	b.seq.Store(0)
	b.node = n.Name()
	b.pass = uuid.NewString()

	client, ok := lookup(n, gs, "client")
	if !ok {
		return glideerrors.MissingArgument(n.Name(), "client")
	}
	if _, ok := client.(BlobUploader); !ok {
		return glideerrors.InvalidConnectionType("node %q: client must be a blob uploader, got %T", n.Name(), client)
	}
	return nil
}

func (b *blobWrite) Run(ctx context.Context, out pipeline.Emitter, item any, args pipeline.Args) error {
	client, ok := args.Value("client").(BlobUploader)
	if !ok {
		return glideerrors.InvalidConnectionType("client must be a blob uploader, got %T", args.Value("client"))
	}

	seq := b.seq.Add(1) - 1
	blobPath := expandPath(args.String("path"), seq, b.node, b.pass)
	if blobPath == "" {
		return glideerrors.InvalidConfiguration("path must be a non-empty string")
	}

	data, err := encode(item)
	if err != nil {
		return err
	}

	metadata := map[string]string{"seq": strconv.FormatInt(seq, 10)}
	if m, ok := args.Value("metadata").(map[string]any); ok {
		for k, v := range m {
			metadata[k] = fmt.Sprint(v)
		}
	}

	url, err := client.Upload(ctx, blobPath, data, args.String("content_type"), metadata)
	if err != nil {
		return err
	}
	return out.Push(ctx, url)
}

func expandPath(tmpl string, seq int64, node, pass string) string {
	if tmpl == "" {
		return ""
	}
	if !strings.Contains(tmpl, "{") {
		if seq == 0 {
			return tmpl
		}
		ext := path.Ext(tmpl)
		return strings.TrimSuffix(tmpl, ext) + "-" + strconv.FormatInt(seq, 10) + ext
	}
	return strings.NewReplacer(
		"{seq}", strconv.FormatInt(seq, 10),
		"{pass}", pass,
		"{node}", node,
	).Replace(tmpl)
}

package nodes

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/Glide/pkg/pipeline"
)

type logNode struct {
	name   string
	logger *zap.Logger
}

// Logger builds a pass-through node that logs every item at "level" (debug,
// info, warn or error; info by default). With "summary" set only the item's
// type and length are logged.
func Logger(name string, logger *zap.Logger, opts ...pipeline.NodeOption) (*pipeline.Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return pipeline.NewNode(name, &logNode{name: name, logger: logger.Named("node")}, opts...)
}

func (l *logNode) Params() []pipeline.Param {
	return []pipeline.Param{
		pipeline.Optional("level", "info"),
		pipeline.Optional("summary", false),
		pipeline.Extra(),
	}
}

func (l *logNode) Run(ctx context.Context, out pipeline.Emitter, item any, args pipeline.Args) error {
	level, err := zapcore.ParseLevel(args.String("level"))
	if err != nil {
		level = zapcore.InfoLevel
	}

	if ce := l.logger.Check(level, "item"); ce != nil {
		fields := []zap.Field{zap.String("node", l.name)}
		if args.Bool("summary", false) {
			fields = append(fields, summarize(item)...)
		} else {
			fields = append(fields, zap.Any("item", item))
		}
		ce.Write(fields...)
	}
	return out.Push(ctx, item)
}

func summarize(item any) []zap.Field {
	fields := []zap.Field{zap.String("type", fmt.Sprintf("%T", item))}
	if t, ok := item.(pipeline.Tabular); ok {
		return append(fields, zap.Int("rows", t.RowCount()))
	}
	switch v := reflect.ValueOf(item); v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		fields = append(fields, zap.Int("len", v.Len()))
	}
	return fields
}

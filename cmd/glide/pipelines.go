package main

import (
	"github.com/wehubfusion/Glide/pkg/nodes"
	"github.com/wehubfusion/Glide/pkg/pipeline"
)

const (
	copyPipeline   = "copy"
	exportPipeline = "export"
)

const identityScript = `function transform(row) { return row; }`

// builder adds a pipeline's nodes. Shared connections go into global state
// so they never appear on the command line.
type builder func(p *pipeline.Pipeline, r *resources) error

func registerPipelines(r *resources) {
	pipeline.MustRegister(copyPipeline, r.factory(copyPipeline, buildCopy))
	pipeline.MustRegister(exportPipeline, r.factory(exportPipeline, buildExport))
}

// factory returns a pipeline.Factory that builds name and applies the run
// configuration file to it.
func (r *resources) factory(name string, build builder) pipeline.Factory {
	return func() (*pipeline.Pipeline, error) {
		db, err := r.db()
		if err != nil {
			return nil, err
		}
		gs := pipeline.NewGlobalState(map[string]any{"conn": db})
		p := pipeline.New(name, pipeline.WithGlobalState(gs), pipeline.WithLogger(r.logger))
		if err := build(p, r); err != nil {
			return nil, err
		}

		cfg, err := r.config()
		if err != nil {
			return nil, err
		}
		if err := cfg.Apply(p); err != nil {
			return nil, err
		}
		if err := p.UpdateNodeContexts(cfg.NodeContexts()); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// buildCopy: extract -> log -> load. Each data item is a query whose rows
// replace matching rows of the target table.
func buildCopy(p *pipeline.Pipeline, r *resources) error {
	extract, err := nodes.SQLExtract("extract")
	if err != nil {
		return err
	}
	log, err := nodes.Logger("log", r.logger, pipeline.WithDefaults(pipeline.Context{"summary": true}))
	if err != nil {
		return err
	}
	load, err := nodes.SQLLoad("load")
	if err != nil {
		return err
	}
	return p.Chain(extract, log, load)
}

// buildExport: extract -> transform -> [publish] -> [upload] -> log. The
// publish and upload stages are present only when NATS or blob storage is
// configured.
func buildExport(p *pipeline.Pipeline, r *resources) error {
	extract, err := nodes.SQLExtract("extract", pipeline.WithDefaults(pipeline.Context{"row_shape": "maps"}))
	if err != nil {
		return err
	}
	transform, err := nodes.Script("transform", r.logger, pipeline.WithDefaults(pipeline.Context{"script": identityScript}))
	if err != nil {
		return err
	}
	chain := []*pipeline.Node{extract, transform}

	nc, err := r.nc()
	if err != nil {
		return err
	}
	if nc != nil {
		p.GlobalState().Set("nc", nc)
		publish, err := nodes.NATSPublish("publish", pipeline.WithDefaults(pipeline.Context{"subject": "glide.export"}))
		if err != nil {
			return err
		}
		chain = append(chain, publish)
	}

	blob, err := r.blob()
	if err != nil {
		return err
	}
	if blob != nil {
		p.GlobalState().Set("client", blob)
		upload, err := nodes.BlobWrite("upload", pipeline.WithDefaults(pipeline.Context{"path": "exports/{pass}/{seq}.json"}))
		if err != nil {
			return err
		}
		chain = append(chain, upload)
	}

	log, err := nodes.Logger("log", r.logger)
	if err != nil {
		return err
	}
	return p.Chain(append(chain, log)...)
}

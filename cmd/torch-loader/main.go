package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	. "github.com/gpustack/torch-loader-go"
	"github.com/gpustack/torch-loader-go/util/json"
	"github.com/gpustack/torch-loader-go/util/osx"
	"github.com/gpustack/torch-loader-go/util/signalx"
)

var Version = "v0.0.0"

func main() {
	app := newApp(filepath.Base(os.Args[0]))
	if err := app.RunContext(signalx.Handler(context.Background()), os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newApp(name string) *cli.App {
	return &cli.App{
		Name:     name,
		Usage:    "Inspect, load and repack PyTorch checkpoints.",
		Version:  Version,
		Writer:   os.Stdout,
		Flags:    readFlags(),
		Commands: []*cli.Command{inspectCmd(), indexCmd(), loadCmd(), repackCmd()},
	}
}

var (
	// read options
	debug                  bool
	token                  string
	hfToken                string
	skipProxy              bool
	skipTLSVerify          bool
	skipDNSCache           bool
	skipRangDownloadDetect bool
	bufferSize             = "1 MiB"
	noMMap                 bool
	cachePath              = osx.UserCacheDir("torch-loader")
	cacheExpiration        = 24 * time.Hour
	skipCache              bool
	// output options
	inJson bool
)

func readFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Destination: &debug,
			Value:       debug,
			Name:        "debug",
			Usage:       "Enable debugging, verbosity.",
		},
		&cli.StringFlag{
			Destination: &token,
			Value:       token,
			Name:        "token",
			Usage:       "Bearer auth token to load the archives, works with --url.",
		},
		&cli.StringFlag{
			Destination: &hfToken,
			Value:       hfToken,
			Name:        "hf-token",
			EnvVars:     []string{"HF_TOKEN"},
			Usage: "User access token of HuggingFace, works with --hf-repo. " +
				"See https://huggingface.co/settings/tokens.",
		},
		&cli.BoolFlag{
			Destination: &skipProxy,
			Value:       skipProxy,
			Name:        "skip-proxy",
			Usage: "Skip proxy settings, " +
				"default is respecting the environment variables HTTP_PROXY/HTTPS_PROXY/NO_PROXY.",
		},
		&cli.BoolFlag{
			Destination: &skipTLSVerify,
			Value:       skipTLSVerify,
			Name:        "skip-tls-verify",
			Usage:       "Skip TLS verification, default is verifying the TLS certificate on HTTPs request.",
		},
		&cli.BoolFlag{
			Destination: &skipDNSCache,
			Value:       skipDNSCache,
			Name:        "skip-dns-cache",
			Usage:       "Skip DNS cache, default is caching the DNS lookup result.",
		},
		&cli.BoolFlag{
			Destination: &skipRangDownloadDetect,
			Value:       skipRangDownloadDetect,
			Name:        "skip-range-download-detect",
			Usage: "Skip range download detect, " +
				"default is detecting whether the remote server supports range download.",
		},
		&cli.StringFlag{
			Destination: &bufferSize,
			Value:       bufferSize,
			Name:        "buffer-size",
			Usage:       "Read-ahead buffer size of remote archives, e.g. 512 KiB.",
		},
		&cli.BoolFlag{
			Destination: &noMMap,
			Value:       noMMap,
			Name:        "no-mmap",
			Usage:       "Read local archives without mmap.",
		},
		&cli.StringFlag{
			Destination: &cachePath,
			Value:       cachePath,
			Name:        "cache-path",
			Usage:       "Cache the decoded metadata of local archives in the given directory.",
		},
		&cli.DurationFlag{
			Destination: &cacheExpiration,
			Value:       cacheExpiration,
			Name:        "cache-expiration",
			Usage:       "Expiration of the metadata cache, zero means no expiration.",
		},
		&cli.BoolFlag{
			Destination: &skipCache,
			Value:       skipCache,
			Name:        "skip-cache",
			Usage:       "Skip the metadata cache.",
		},
		&cli.BoolFlag{
			Destination: &inJson,
			Value:       inJson,
			Name:        "json",
			Usage:       "Output as JSON.",
		},
	}
}

func logger() zerolog.Logger {
	lvl := zerolog.InfoLevel
	if debug {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(lvl).With().Timestamp().Logger()
}

func loadOptions(bearer string) ([]LoadOption, error) {
	bs, err := ParseBytesScalar(bufferSize)
	if err != nil {
		return nil, fmt.Errorf("parse buffer size: %w", err)
	}
	ropts := []LoadOption{
		UseLogger(logger()),
		UseBufferSize(int(bs)),
	}
	if debug {
		ropts = append(ropts, UseDebug())
	}
	if bearer != "" {
		ropts = append(ropts, UseBearerAuthToken(bearer))
	}
	if skipProxy {
		ropts = append(ropts, SkipProxy())
	}
	if skipTLSVerify {
		ropts = append(ropts, SkipTLSVerification())
	}
	if skipDNSCache {
		ropts = append(ropts, SkipDNSCache())
	}
	if skipRangDownloadDetect {
		ropts = append(ropts, SkipRangeDownloadDetection())
	}
	if !noMMap {
		ropts = append(ropts, UseMMap())
	}
	if !skipCache && cachePath != "" {
		ropts = append(ropts, UseMetadataCache(cachePath, cacheExpiration))
	}
	return ropts, nil
}

func inspectCmd() *cli.Command {
	var (
		path   string
		url    string
		hfRepo string
		hfFile string
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors of one archive.",
		Flags: []cli.Flag{
			&cli.StringFlag{Destination: &path, Name: "path", Usage: "Path of the archive, e.g. ~/models/consolidated.00.pth."},
			&cli.StringFlag{Destination: &url, Name: "url", Usage: "Url of the archive, the archive is read with ranged requests."},
			&cli.StringFlag{Destination: &hfRepo, Name: "hf-repo", Usage: "Repository of HuggingFace, works with --hf-file."},
			&cli.StringFlag{Destination: &hfFile, Name: "hf-file", Usage: "Archive below the --hf-repo, e.g. pytorch_model-00001-of-00002.bin."},
		},
		Action: func(c *cli.Context) error {
			bearer := token
			if hfRepo != "" {
				bearer = hfToken
			}
			opts, err := loadOptions(bearer)
			if err != nil {
				return err
			}

			var a *Archive
			switch {
			case path != "":
				a, err = OpenArchive(path, opts...)
			case url != "":
				a, err = OpenArchiveRemote(c.Context, url, opts...)
			case hfRepo != "" && hfFile != "":
				a, err = OpenArchiveRemote(c.Context, HuggingFaceFileURL(hfRepo, hfFile), opts...)
			default:
				return errors.New("no archive specified")
			}
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer osx.Close(a)

			tds, err := a.DecodeMetadata(PickleMetadataDecoder{})
			if err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}

			if inJson {
				return jprint(c.App.Writer, tds)
			}

			keys := make([]string, 0, len(tds))
			for k := range tds {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			var total int64
			bds := make([]table.Row, 0, len(keys))
			for _, k := range keys {
				td := tds[k]
				n, err := td.PayloadBytes()
				if err != nil {
					return fmt.Errorf("%s: %w", k, err)
				}
				e, err := td.Shape.CountElements()
				if err != nil {
					return fmt.Errorf("%s: %w", k, err)
				}
				total += n
				bds = append(bds, table.Row{
					k,
					td.ElementType(),
					td.Shape.Size,
					ElementsScalar(e),
					td.Storage.Member,
					td.ByteOffset(),
					BytesScalar(n),
				})
			}
			tprint(c.App.Writer,
				fmt.Sprintf("%s (%s, %d tensors, %s)", a.Name(), BytesScalar(a.Size()), len(keys), BytesScalar(total)),
				table.Row{"Key", "Type", "Size", "Elements", "Member", "Offset", "Bytes"},
				bds...)
			return nil
		},
	}
}

func indexCmd() *cli.Command {
	var dir string
	return &cli.Command{
		Name:  "index",
		Usage: "Validate the shard index and configuration of a transformers checkpoint.",
		Flags: []cli.Flag{
			&cli.StringFlag{Destination: &dir, Name: "dir", Required: true, Usage: "Directory of the checkpoint."},
		},
		Action: func(c *cli.Context) error {
			idx, err := ParseShardIndex(filepath.Join(dir, ShardIndexFilename))
			if err != nil {
				return err
			}
			n, err := idx.ComputeDataSize(dir)
			if err != nil {
				return err
			}
			if err = idx.Validate(dir); err != nil {
				return err
			}
			mc, err := ParseModelConfig(dir)
			if err != nil {
				return err
			}

			if inJson {
				return jprint(c.App.Writer, map[string]any{
					"files":     idx.ListDataFiles(),
					"totalSize": idx.Metadata.TotalSize,
					"dataSize":  n,
					"config":    mc,
				})
			}

			fs := idx.ListDataFiles()
			bds := make([]table.Row, 0, len(fs))
			for _, f := range fs {
				var tensors int
				for _, v := range idx.WeightMap {
					if v == f {
						tensors++
					}
				}
				bds = append(bds, table.Row{f, tensors})
			}
			tprint(c.App.Writer,
				fmt.Sprintf("INDEX (%s of parameters, %s of files)", BytesScalar(idx.Metadata.TotalSize), BytesScalar(n)),
				table.Row{"File", "Tensors"},
				bds...)
			tprint(c.App.Writer,
				"CONFIG",
				table.Row{"Version", "Dim", "Layers", "Heads", "KV Heads", "Hidden Dim", "Vocab", "Sliding Window", "Rope Theta"},
				table.Row{mc.Version, mc.Dim, mc.Layers, mc.Heads, mc.KVHeads, mc.HiddenDim, mc.VocabSize, mc.SlidingWindow, mc.RopeTheta})
			return nil
		},
	}
}

func traitsOf(name, layout string) (LoadTraits, error) {
	var tl TensorLayout
	switch strings.ToLower(layout) {
	case "dense":
		tl = TensorLayoutDense
	case "bcml3":
		tl = TensorLayoutBCML3
	case "bcml4":
		tl = TensorLayoutBCML4
	default:
		return LoadTraits{}, fmt.Errorf("unknown layout %q", layout)
	}
	switch strings.ToLower(name) {
	case "", "none":
		return LoadTraits{}, nil
	case "llama":
		return LoadTraits{MergeTactic: LlamaMergeTactic}, nil
	case "mistral":
		return MistralTraits(tl), nil
	}
	return LoadTraits{}, fmt.Errorf("unknown traits %q", name)
}

func loadCmd() *cli.Command {
	var (
		paths         cli.StringSlice
		urls          cli.StringSlice
		dir           string
		hfRepo        string
		hfFiles       cli.StringSlice
		traits        = "llama"
		layout        = "dense"
		strictPadding bool
		verifyShards  bool
		rename        bool
	)
	return &cli.Command{
		Name:  "load",
		Usage: "Load a checkpoint into host memory and report the tensors.",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Destination: &paths, Name: "path", Usage: "Path of an archive, repeat for the shards of one checkpoint."},
			&cli.StringSliceFlag{Destination: &urls, Name: "url", Usage: "Url of an archive, repeat for the shards of one checkpoint."},
			&cli.StringFlag{Destination: &dir, Name: "dir", Usage: "Directory of a transformers checkpoint, indexed by " + ShardIndexFilename + "."},
			&cli.StringFlag{Destination: &hfRepo, Name: "hf-repo", Usage: "Repository of HuggingFace, works with --hf-file."},
			&cli.StringSliceFlag{Destination: &hfFiles, Name: "hf-file", Usage: "Archive below the --hf-repo, repeat for the shards of one checkpoint."},
			&cli.StringFlag{Destination: &traits, Value: traits, Name: "traits", Usage: "Traits of the checkpoint, select from [none, llama, mistral]."},
			&cli.StringFlag{Destination: &layout, Value: layout, Name: "layout", Usage: "Layout of the linear layer weights with --traits mistral, select from [dense, bcml3, bcml4]."},
			&cli.BoolFlag{Destination: &strictPadding, Name: "strict-padding", Usage: "Require the padding between tensors to be zero-filled."},
			&cli.BoolFlag{Destination: &verifyShards, Name: "verify-shards", Usage: "Compare the replicated shards of the norms."},
			&cli.BoolFlag{Destination: &rename, Name: "rename-mistral-v02", Usage: "Rename the tensors of a transformers Mistral v0.2 checkpoint."},
		},
		Action: func(c *cli.Context) error {
			lt, err := traitsOf(traits, layout)
			if err != nil {
				return err
			}

			bearer := token
			if hfRepo != "" {
				bearer = hfToken
			}
			opts, err := loadOptions(bearer)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			opts = append(opts, UseMetrics(NewMetrics(reg)))
			if strictPadding {
				opts = append(opts, UseStrictPadding())
			}
			if verifyShards {
				opts = append(opts, UseShardVerification())
			}

			dev := NewHostDevice()
			l := NewLoader(dev, lt, opts...)
			defer func() { _ = l.Close() }()

			start := time.Now()
			switch {
			case len(paths.Value()) != 0:
				err = l.LoadFiles(c.Context, paths.Value()...)
			case len(urls.Value()) != 0:
				err = l.LoadRemote(c.Context, urls.Value()...)
			case dir != "":
				err = l.LoadTransformer(c.Context, dir)
			case hfRepo != "" && len(hfFiles.Value()) != 0:
				err = l.LoadFromHuggingFace(c.Context, hfRepo, hfFiles.Value()...)
			default:
				return errors.New("no checkpoint specified")
			}
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			ts := l.Tensors()
			if rename {
				if ts, err = RenameMistralV02(ts); err != nil {
					return err
				}
			}

			if inJson {
				descs := make(map[string]TensorDesc, len(ts))
				for k, t := range ts {
					descs[k] = t.Desc()
				}
				return jprint(c.App.Writer, descs)
			}

			keys := make([]string, 0, len(ts))
			for k := range ts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			bds := make([]table.Row, 0, len(keys))
			for _, k := range keys {
				d := ts[k].Desc()
				bds = append(bds, table.Row{k, d.DataType, d.Layout, d.Shape.Size, d.Usage})
			}
			tprint(c.App.Writer,
				fmt.Sprintf("LOADED (%d tensors in %s)", len(keys), elapsed.Round(time.Millisecond)),
				table.Row{"Key", "Type", "Layout", "Size", "Usage"},
				bds...)

			mfs, err := reg.Gather()
			if err != nil {
				return err
			}
			var mbds []table.Row
			for _, mf := range mfs {
				for _, m := range mf.GetMetric() {
					label := mf.GetName()
					for _, lp := range m.GetLabel() {
						label += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
					}
					switch {
					case m.GetCounter() != nil:
						mbds = append(mbds, table.Row{label, m.GetCounter().GetValue()})
					case m.GetHistogram() != nil:
						mbds = append(mbds, table.Row{label + "_count", m.GetHistogram().GetSampleCount()})
					}
				}
			}
			tprint(c.App.Writer, "METRICS", table.Row{"Name", "Value"}, mbds...)
			return nil
		},
	}
}

func repackCmd() *cli.Command {
	var (
		qweightPath string
		scalesPath  string
		qzerosPath  string
		scalesType  = "fp16"
		in, out     int
		codec       = "bcml3"
		output      string
	)
	return &cli.Command{
		Name:  "repack",
		Usage: "Repack one GPTQ linear layer into a block-compressed layout.",
		Flags: []cli.Flag{
			&cli.StringFlag{Destination: &qweightPath, Name: "qweight", Required: true, Usage: "Path of the raw little-endian qweight, int32[in/8][out]."},
			&cli.StringFlag{Destination: &scalesPath, Name: "scales", Required: true, Usage: "Path of the raw little-endian scales, [groups][out]."},
			&cli.StringFlag{Destination: &qzerosPath, Name: "qzeros", Required: true, Usage: "Path of the raw little-endian qzeros, int32[groups][out/8]."},
			&cli.StringFlag{Destination: &scalesType, Value: scalesType, Name: "scales-type", Usage: "Element type of the scales, select from [fp16, fp32]."},
			&cli.IntFlag{Destination: &in, Name: "in", Required: true, Usage: "Count of input columns, a multiple of 8."},
			&cli.IntFlag{Destination: &out, Name: "out", Required: true, Usage: "Count of output rows."},
			&cli.StringFlag{Destination: &codec, Value: codec, Name: "codec", Usage: "Layout to repack into, select from [bcml3, bcml4]."},
			&cli.StringFlag{Destination: &output, Name: "output", Required: true, Usage: "Path to write the repacked tensor."},
		},
		Action: func(c *cli.Context) error {
			var tl TensorLayout
			switch strings.ToLower(codec) {
			case "bcml3":
				tl = TensorLayoutBCML3
			case "bcml4":
				tl = TensorLayoutBCML4
			default:
				return fmt.Errorf("unknown codec %q", codec)
			}
			g := GPTQTensors{In: in, Out: out}
			switch strings.ToLower(scalesType) {
			case "fp16":
				g.ScalesType = ElementTypeFP16
			case "fp32":
				g.ScalesType = ElementTypeFP32
			default:
				return fmt.Errorf("unknown scales type %q", scalesType)
			}

			var err error
			if g.QWeight, err = os.ReadFile(qweightPath); err != nil {
				return err
			}
			if g.Scales, err = os.ReadFile(scalesPath); err != nil {
				return err
			}
			if g.QZeros, err = os.ReadFile(qzerosPath); err != nil {
				return err
			}

			dev := NewHostDevice()
			t, err := RepackGPTQ(dev, tl, g)
			if err != nil {
				return err
			}
			defer func() { _ = t.Close() }()

			ht := t.(*HostTensor)
			if err = osx.WriteFile(output, ht.Bytes(), 0o644); err != nil {
				return err
			}

			d := t.Desc()
			if inJson {
				return jprint(c.App.Writer, d)
			}
			tprint(c.App.Writer,
				"REPACKED",
				table.Row{"Layout", "Size", "Stride", "Bytes"},
				table.Row{d.Layout, d.Shape.Size, d.Shape.Stride, BytesScalar(len(ht.Bytes()))})
			return nil
		},
	}
}

func jprint(w io.Writer, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(bs))
	return err
}

func tprint(w io.Writer, title string, header table.Row, body ...table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(strings.ToUpper(title))
	tw.AppendHeader(header)
	tw.AppendRows(body)
	tw.SetStyle(table.StyleLight)
	tw.Style().Title.Align = text.AlignCenter
	tw.Style().Format.Header = text.FormatDefault
	tw.Render()
	_, _ = fmt.Fprintln(w)
}

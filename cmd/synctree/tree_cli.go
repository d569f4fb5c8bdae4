package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/synctree"
	"pkt.systems/synctree/api"
	"pkt.systems/synctree/auth"
	"pkt.systems/synctree/client"
	"pkt.systems/synctree/internal/version"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"

	envCorrelation = "SYNCTREE_CORRELATION_ID"
)

type treeCLIConfig struct {
	loaded      bool
	endpoint    string
	token       string
	authSecret  string
	authSubject string
	timeout     time.Duration
	output      string
	websocket   bool
	verbose     bool
	logger      pslog.Logger
}

func (c *treeCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	c.endpoint = strings.TrimSpace(viper.GetString("endpoint"))
	if c.endpoint == "" {
		return errors.New("endpoint required (set --endpoint or SYNCTREE_ENDPOINT)")
	}
	c.token = strings.TrimSpace(viper.GetString("token"))
	c.authSecret = viper.GetString("auth-secret")
	c.authSubject = strings.TrimSpace(viper.GetString("auth-subject"))
	if c.authSubject == "" {
		c.authSubject = "synctree-cli"
	}
	c.timeout = viper.GetDuration("timeout")
	if c.timeout <= 0 {
		c.timeout = client.DefaultHTTPTimeout
	}
	c.output = strings.ToLower(strings.TrimSpace(viper.GetString("output")))
	if c.output == "" {
		c.output = outputJSON
	}
	if c.output != outputJSON && c.output != outputYAML {
		return fmt.Errorf("invalid output %q (json|yaml)", c.output)
	}
	c.websocket = viper.GetBool("websocket")
	if c.logger == nil {
		c.logger = pslog.NoopLogger()
	}
	if c.verbose {
		c.logger = c.logger.LogLevel(pslog.TraceLevel)
	}
	c.loaded = true
	return nil
}

func (c *treeCLIConfig) client() (*client.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithHTTPTimeout(c.timeout),
		client.WithUserAgent("synctree-cli/" + version.Current()),
		client.WithLogger(c.logger),
	}
	if c.websocket {
		opts = append(opts, client.WithWebSocketStreams(true))
	}
	switch {
	case c.token != "":
		opts = append(opts, client.WithBearerToken(c.token))
	case c.authSecret != "":
		src, err := auth.NewHS256([]byte(c.authSecret), c.authSubject, time.Hour)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithTokenSource(src))
	}
	return client.New(c.endpoint, opts...)
}

func (c *treeCLIConfig) rawStore(path string) (*synctree.Store[json.RawMessage], error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	return synctree.NewStore[json.RawMessage](cli, path, synctree.RawCodec(), synctree.WithLogger(c.logger))
}

func resolveCorrelationID() string {
	if env := strings.TrimSpace(os.Getenv(envCorrelation)); env != "" {
		if normalized, ok := client.NormalizeCorrelationID(env); ok {
			return normalized
		}
	}
	return client.GenerateCorrelationID()
}

func commandContext(cmd *cobra.Command) (context.Context, string) {
	id := resolveCorrelationID()
	return client.WithCorrelationID(cmd.Context(), id), id
}

// filterFlags holds the shared server-side filter flags of get and watch.
type filterFlags struct {
	orderBy    string
	limitFirst int
	limitLast  int
	startAt    string
	endAt      string
	equalTo    string
}

func (f *filterFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.orderBy, "order-by", "", "order children by $key or a child field path")
	flags.IntVar(&f.limitFirst, "limit-first", 0, "keep only the first n children in order")
	flags.IntVar(&f.limitLast, "limit-last", 0, "keep only the last n children in order")
	flags.StringVar(&f.startAt, "start-at", "", "lower bound on the ordered dimension (JSON; bare words are strings)")
	flags.StringVar(&f.endAt, "end-at", "", "upper bound on the ordered dimension (JSON; bare words are strings)")
	flags.StringVar(&f.equalTo, "equal-to", "", "exact match on the ordered dimension (JSON; bare words are strings)")
}

func (f *filterFlags) build() (*api.Filter, error) {
	out := &api.Filter{
		OrderBy:      strings.TrimSpace(f.orderBy),
		LimitToFirst: f.limitFirst,
		LimitToLast:  f.limitLast,
	}
	var err error
	if out.StartAt, err = boundJSON(f.startAt); err != nil {
		return nil, fmt.Errorf("invalid --start-at: %w", err)
	}
	if out.EndAt, err = boundJSON(f.endAt); err != nil {
		return nil, fmt.Errorf("invalid --end-at: %w", err)
	}
	if out.EqualTo, err = boundJSON(f.equalTo); err != nil {
		return nil, fmt.Errorf("invalid --equal-to: %w", err)
	}
	if out.OrderBy == "" && out.LimitToFirst == 0 && out.LimitToLast == 0 &&
		out.StartAt == nil && out.EndAt == nil && out.EqualTo == nil {
		return nil, nil
	}
	return out, nil
}

func boundJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}
	quoted, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(quoted), nil
}

func renderValue(raw json.RawMessage, format string) ([]byte, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if format == outputYAML {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		return yaml.Marshal(doc)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func loadPayload(inline, file string) (json.RawMessage, error) {
	var data []byte
	switch {
	case file != "":
		b, err := readInput(file)
		if err != nil {
			return nil, err
		}
		if ext := strings.ToLower(filepath.Ext(file)); ext == ".yaml" || ext == ".yml" {
			if b, err = convertYAMLToJSON(file, b); err != nil {
				return nil, err
			}
		}
		data = b
	case inline != "":
		data = []byte(inline)
	default:
		return nil, errors.New("payload required (inline argument or --file)")
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func convertYAMLToJSON(path string, data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", path, err)
	}
	return json.Marshal(yamlToJSON(doc))
}

// yamlToJSON rewrites yaml decoder output so every map is keyed by string,
// which json.Marshal requires.
func yamlToJSON(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = yamlToJSON(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = yamlToJSON(item)
		}
		return out
	case []any:
		slice := make([]any, len(val))
		for i, item := range val {
			slice[i] = yamlToJSON(item)
		}
		return slice
	default:
		return val
	}
}

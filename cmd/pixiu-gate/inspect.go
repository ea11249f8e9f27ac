package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"
)

import (
	"github.com/spf13/cobra"
)

import (
	"github.com/nanjiek/pixiu-gate/internal/audit"
	"github.com/nanjiek/pixiu-gate/internal/types"
)

// descriptor is the JSON shape accepted by inspect.
type descriptor struct {
	Method   string              `json:"method"`
	URL      string              `json:"url"`
	ClientIP string              `json:"clientIp"`
	Headers  map[string]string   `json:"headers"`
	Query    map[string][]string `json:"query"`
	Body     any                 `json:"body"`
	Params   map[string]string   `json:"params"`
}

type verdict struct {
	Blocked  bool   `json:"blocked"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Run the firewall checks on a JSON request descriptor",
		Long: `inspect reads a request descriptor from file, or stdin when the file is
omitted or "-", runs the configured firewall checks once and prints the
internal decision. Example descriptor:

  {"method":"GET","url":"/users?id=1' OR 1=1--","clientIp":"10.0.0.1",
   "headers":{"User-Agent":"curl/8.0"}}`,
		Args: cobra.MaximumNArgs(1),
		RunE: runInspect,
	}
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	req, err := readDescriptor(in)
	if err != nil {
		return err
	}

	cfg.WAF.Enabled = true
	fw, err := buildFirewall(cfg, logger, nil, audit.Nop{})
	if err != nil {
		return err
	}
	defer fw.Stop()

	var dec types.Decision
	if fw.Whitelisted(req.ClientIP) {
		dec = types.Allow()
	} else {
		dec = fw.Check(req, time.Now())
	}
	return writeVerdict(cmd.OutOrStdout(), dec)
}

func readDescriptor(r io.Reader) (*types.Request, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var d descriptor
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if d.URL == "" {
		d.URL = "/"
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("descriptor url: %w", err)
	}
	if d.Method == "" {
		d.Method = "GET"
	}

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[strings.ToLower(k)] = v
	}
	query := d.Query
	if query == nil {
		query = map[string][]string(u.Query())
	}
	return &types.Request{
		Method:      strings.ToUpper(d.Method),
		Path:        u.Path,
		OriginalURL: u.RequestURI(),
		ClientIP:    d.ClientIP,
		Headers:     headers,
		Query:       query,
		Body:        d.Body,
		Params:      d.Params,
	}, nil
}

func writeVerdict(w io.Writer, dec types.Decision) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(verdict{Blocked: dec.Blocked, Category: string(dec.Category), Reason: dec.Reason})
}

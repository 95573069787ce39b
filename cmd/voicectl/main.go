package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

var version = "0.1.0-dev"

const usage = "expected one of: design, speak, stream, load, health, list, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "design":
		err = runDesign(os.Args[2:])
	case "speak":
		err = runSpeak(os.Args[2:], "/generate_file")
	case "stream":
		err = runSpeak(os.Args[2:], "/generate_stream")
	case "load":
		err = runLoad(os.Args[2:])
	case "health":
		err = runGet(os.Args[2:], "health", "/health")
	case "list":
		err = runGet(os.Args[2:], "list", "/speakers")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", envOr("VOICE_ADDR", "http://localhost:8008"), "Voice service base URL")
	return fs, addr
}

func newClient(addr string) *client {
	// Synthesis can take minutes on a cold model, so only connection setup
	// is bounded.
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &client{base: strings.TrimRight(addr, "/"), http: &http.Client{Transport: transport}}
}

func runDesign(args []string) error {
	fs, addr := newFlagSet("design")
	name := fs.String("name", "", "Speaker name")
	gender := fs.String("gender", "", "Speaker gender")
	language := fs.String("language", "English", "Reference language")
	instruct := fs.String("instruct", "", "Natural-language voice description")
	text := fs.String("text", "", "Reference sentence to speak")
	_ = fs.Parse(args)

	var out struct {
		SpeakerID string `json:"speaker_id"`
	}
	err := newClient(*addr).postJSON("/design", map[string]string{
		"name":     *name,
		"gender":   *gender,
		"language": *language,
		"instruct": *instruct,
		"text":     *text,
	}, &out)
	if err != nil {
		return err
	}
	fmt.Println(out.SpeakerID)
	return nil
}

func runSpeak(args []string, path string) error {
	fs, addr := newFlagSet(strings.TrimPrefix(path, "/"))
	speaker := fs.String("speaker", "", "Speaker id")
	text := fs.String("text", "", "Text to speak")
	language := fs.String("language", "", "Output language")
	emotion := fs.String("emotion", "", "Comma separated emotion tags")
	out := fs.String("out", "", "Output file (defaults to stdout)")
	_ = fs.Parse(args)

	req := map[string]any{"speaker_id": *speaker, "text": *text}
	if *language != "" {
		req["language"] = *language
	}
	if *emotion != "" {
		req["emotion"] = strings.Split(*emotion, ",")
	}

	resp, err := newClient(*addr).post(path, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	start := time.Now()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%d bytes (%s) in %s\n", n, resp.Header.Get("Content-Type"), time.Since(start).Round(time.Millisecond))
	return nil
}

func runLoad(args []string) error {
	fs, addr := newFlagSet("load")
	model := fs.String("model", "", "Model name or family")
	_ = fs.Parse(args)

	var out map[string]any
	if err := newClient(*addr).postJSON("/load_model", map[string]string{"model_name": *model}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runGet(args []string, name, path string) error {
	fs, addr := newFlagSet(name)
	_ = fs.Parse(args)

	c := newClient(*addr)
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	return printJSON(out)
}

func (c *client) post(path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *client) postJSON(path string, body, out any) error {
	resp, err := c.post(path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Detail == "" {
		return errors.New(resp.Status)
	}
	return fmt.Errorf("%s: %s", resp.Status, body.Detail)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

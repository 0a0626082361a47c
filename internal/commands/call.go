package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wattswap/wattswap-go/apiclient"
	"github.com/wattswap/wattswap-go/config"
	"github.com/wattswap/wattswap-go/logger"
	"github.com/wattswap/wattswap-go/observability"
	"github.com/wattswap/wattswap-go/session"
)

// CallOptions holds options for a single API call
type CallOptions struct {
	Data    string
	Headers []string
	Token   string
}

// NewCallCommand creates the subcommand for one HTTP method
func NewCallCommand(method string, root *RootOptions) *cobra.Command {
	opts := &CallOptions{}
	name := strings.ToLower(method)

	cmd := &cobra.Command{
		Use:   name + " <path>",
		Short: fmt.Sprintf("Send a %s request to the API", method),
		Example: fmt.Sprintf(`  # Relative paths are joined to api.baseurl
  wattctl %[1]s /offers

  # Send a JSON body and an extra header
  wattctl %[1]s /trades --data '{"offerId":"o1","kwh":5}' --header X-Client=wattctl`, name),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), root, method, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "JSON request body")
	cmd.Flags().StringArrayVarP(&opts.Headers, "header", "H", nil, "Extra header as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Bearer token (overrides session.token)")

	return cmd
}

func runCall(ctx context.Context, stdout, stderr io.Writer, root *RootOptions, method, path string, opts *CallOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	body, headers, err := parseCallOptions(opts)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	log := logger.NewWithWriter(stderr, cfg.Log.Level, cfg.Log.Pretty)

	provider, err := observability.NewProvider(&cfg.Observability, observability.WithStdoutWriter(stderr))
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		if shutdownErr := observability.Shutdown(provider, observability.DefaultShutdownTimeout); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("Observability shutdown failed")
		}
	}()

	token := cfg.Session.Token
	if opts.Token != "" {
		token = opts.Token
	}
	var sessions session.Provider
	if token != "" {
		sessions = session.Static(token)
	}

	client := apiclient.NewFromConfig(&cfg.API, log, sessions)
	resp, err := client.Do(ctx, &apiclient.Request{
		Method:  method,
		Path:    path,
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		return err
	}

	return writeResponse(stdout, resp)
}

func loadConfig(root *RootOptions) (*config.Config, error) {
	if root != nil && root.ConfigFile != "" {
		return config.LoadFile(root.ConfigFile)
	}
	return config.Load()
}

// parseCallOptions decodes --data and splits --header values.
func parseCallOptions(opts *CallOptions) (body any, headers map[string]string, err error) {
	if strings.TrimSpace(opts.Data) != "" {
		if err := json.Unmarshal([]byte(opts.Data), &body); err != nil {
			return nil, nil, fmt.Errorf("--data is not valid JSON: %w", err)
		}
	}

	if len(opts.Headers) > 0 {
		headers = make(map[string]string, len(opts.Headers))
	}
	for _, h := range opts.Headers {
		key, value, ok := strings.Cut(h, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, nil, fmt.Errorf("invalid --header %q: expected key=value", h)
		}
		headers[key] = strings.TrimSpace(value)
	}

	return body, headers, nil
}

func writeResponse(w io.Writer, resp *apiclient.Response) error {
	if resp.Data == nil {
		_, err := fmt.Fprintf(w, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp.Data)
}

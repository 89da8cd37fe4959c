package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/evacsys/iotrelay/internal/config"
	"github.com/evacsys/iotrelay/pkg/relay"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	Long: `Show the status of a running relay and the devices connected to it.
The relay is queried over HTTP at --addr, or at the configured host and port.`,
	RunE: runStatus,
}

var statusAddr string

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "relay base URL (default from config)")
	rootCmd.AddCommand(statusCmd)
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Devices  int    `json:"devices"`
}

type devicesResponse struct {
	Devices []relay.DeviceInfo `json:"devices"`
	Count   int                `json:"count"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	base := statusAddr
	if base == "" {
		cfg, err := config.NewLoader(cfgFile).Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		base = relayBaseURL(cfg)
	}

	out := cmd.OutOrStdout()
	client := &http.Client{Timeout: 5 * time.Second}

	var health healthResponse
	if err := getJSON(client, base+"/healthz", &health); err != nil {
		fmt.Fprintf(out, "Status: stopped (%s unreachable)\n", base)
		return nil
	}

	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "Sessions: %d\n", health.Sessions)
	fmt.Fprintf(out, "Devices: %d\n", health.Devices)

	var devices devicesResponse
	if err := getJSON(client, base+"/devices", &devices); err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	now := time.Now()
	for _, d := range devices.Devices {
		fmt.Fprintf(out, "  %s  session=%s  remote=%s  connected=%s  idle=%s\n",
			d.DeviceID, d.SessionID, d.RemoteAddr,
			formatDuration(now.Sub(d.ConnectedAt)),
			formatDuration(now.Sub(d.LastActivity)))
	}

	return nil
}

// relayBaseURL derives the local admin URL from the listener config
func relayBaseURL(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

func getJSON(client *http.Client, url string, v interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// /healthz answers 503 with a body while shutting down
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// Package telemetry sends anonymous, opt-in usage analytics to PostHog.
// Only command names, flag names, event kinds and durations are sent;
// never paths, task IDs, hashes or file content.
package telemetry

import (
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/entireio/shadowcp/cmd/shadowcp/cli/checkpoint"
)

var (
	// PostHogAPIKey is set at build time for production
	PostHogAPIKey = "phc_development_key"
	// PostHogEndpoint is set at build time for production
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// OptOutEnvVar disables telemetry regardless of settings when set to any
// non-empty value.
const OptOutEnvVar = "SHADOWCP_TELEMETRY_OPTOUT"

// machineIDSalt scopes the hashed machine ID to this application.
const machineIDSalt = "shadowcp"

// Event names.
const (
	EventCommandExecuted    = "cli_command_executed"
	EventCheckpointCreated  = "checkpoint_created"
	EventCheckpointRestored = "checkpoint_restored"
	EventCheckpointError    = "checkpoint_error"
)

// Client defines the telemetry interface
type Client interface {
	TrackCommand(cmd *cobra.Command, layout string)
	TrackCheckpoint(ev checkpoint.Event)
	Close()
}

// NoOpClient is a no-op implementation for when telemetry is disabled
type NoOpClient struct{}

func (n *NoOpClient) TrackCommand(_ *cobra.Command, _ string) {}
func (n *NoOpClient) TrackCheckpoint(_ checkpoint.Event)      {}
func (n *NoOpClient) Close()                                  {}

// silentLogger suppresses PostHog log output
type silentLogger struct{}

func (silentLogger) Logf(_ string, _ ...interface{})   {}
func (silentLogger) Debugf(_ string, _ ...interface{}) {}
func (silentLogger) Warnf(_ string, _ ...interface{})  {}
func (silentLogger) Errorf(_ string, _ ...interface{}) {}

// enqueuer is the subset of posthog.Client used here.
type enqueuer interface {
	Enqueue(msg posthog.Message) error
	Close() error
}

// PostHogClient is the real telemetry client
type PostHogClient struct {
	mu        sync.RWMutex
	client    enqueuer
	machineID string
}

// NewClient creates a telemetry client. telemetryEnabled comes from
// settings; nil means not configured, which disables telemetry.
//
//nolint:ireturn // returns NoOpClient or PostHogClient based on settings
func NewClient(version string, telemetryEnabled *bool) Client {
	if os.Getenv(OptOutEnvVar) != "" {
		return &NoOpClient{}
	}
	if telemetryEnabled == nil || !*telemetryEnabled {
		return &NoOpClient{}
	}

	id, err := machineid.ProtectedID(machineIDSalt)
	if err != nil {
		return &NoOpClient{}
	}

	// Short timeouts keep telemetry from delaying CLI exit.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 100 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   100 * time.Millisecond,
		ResponseHeaderTimeout: 100 * time.Millisecond,
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("cli_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return &NoOpClient{}
	}
	return newPostHogClient(client, id)
}

func newPostHogClient(c enqueuer, machineID string) *PostHogClient {
	return &PostHogClient{client: c, machineID: machineID}
}

// TrackCommand records a command execution. Hidden commands and help are
// skipped.
func (p *PostHogClient) TrackCommand(cmd *cobra.Command, layout string) {
	if cmd == nil || cmd.Hidden || cmd.Name() == "help" {
		return
	}

	// Flag names only, never values.
	var flags []string
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		flags = append(flags, flag.Name)
	})

	props := posthog.NewProperties().
		Set("command", cmd.CommandPath()).
		Set("layout", layout)
	if len(flags) > 0 {
		props.Set("flags", strings.Join(flags, ","))
	}
	p.enqueue(EventCommandExecuted, props)
}

// TrackCheckpoint records a checkpoint service event. Initialize events
// are not tracked.
func (p *PostHogClient) TrackCheckpoint(ev checkpoint.Event) {
	var name string
	props := posthog.NewProperties()
	switch ev.Kind {
	case checkpoint.EventCheckpoint:
		name = EventCheckpointCreated
	case checkpoint.EventRestore:
		name = EventCheckpointRestored
	case checkpoint.EventError:
		name = EventCheckpointError
		props.Set("operation", ev.Op)
	default:
		return
	}
	props.Set("duration_ms", ev.Duration.Milliseconds())
	p.enqueue(name, props)
}

func (p *PostHogClient) enqueue(event string, props posthog.Properties) {
	p.mu.RLock()
	c, id := p.client, p.machineID
	p.mu.RUnlock()
	if c == nil {
		return
	}

	//nolint:errcheck // best-effort telemetry
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      event,
		Properties: props,
	})
}

// Close flushes pending events
func (p *PostHogClient) Close() {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

// Subscriber is implemented by *checkpoint.Service.
type Subscriber interface {
	Subscribe(kind checkpoint.EventKind, fn func(checkpoint.Event)) (unsubscribe func())
}

// Observe forwards the service's checkpoint, restore and error events to
// client. The returned function removes every subscription.
func Observe(svc Subscriber, client Client) (stop func()) {
	kinds := []checkpoint.EventKind{checkpoint.EventCheckpoint, checkpoint.EventRestore, checkpoint.EventError}
	unsubs := make([]func(), 0, len(kinds))
	for _, kind := range kinds {
		unsubs = append(unsubs, svc.Subscribe(kind, client.TrackCheckpoint))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Command agent runs a single proxy fabric agent: it dials the hub's
// control-plane WebSocket, performs the init handshake, and then serves
// ConnectRequest/CommandRequest frames until the connection closes.
//
// Command-line flags:
//
//	--agent-id: unique identifier, must start with "agent_"
//	--hub-url: hub control-plane WebSocket URL (e.g. ws://hub:9000/api/v1/agents/connect)
//	--country-code, --region, --city, --asn, --asn-org: host metadata reported at init
//	--ip, --remote-host, --os-version, --kernel-version: host metadata that
//	  requires an operator-supplied lookup (geo/IP, uname); left empty if unset
//	--os-type, --hostname, --username: host metadata derived locally
//	  (runtime.GOOS, os.Hostname(), the current OS user) when left unset
//	--log-level, --log-pretty: logging
//
// Environment variables AGENT_ID, HUB_URL, COUNTRY_CODE, REGION, CITY,
// ASN, ASN_ORG, IP, REMOTE_HOST, OS_TYPE, OS_VERSION, HOSTNAME,
// KERNEL_VERSION, USERNAME, LOG_LEVEL, LOG_PRETTY provide flag defaults.
// The agent reconnects with exponential backoff on any connection loss.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/proxyfabric/internal/agent/config"
	"github.com/streamspace-dev/proxyfabric/internal/agent/control"
	"github.com/streamspace-dev/proxyfabric/internal/logging"
)

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true"
	}
	return defaultValue
}

// reconnectBackoff mirrors the exponential schedule used elsewhere in the
// proxy fabric's deployment tooling: 2s, 4s, 8s, 16s, 32s, then holds.
var reconnectBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}

func main() {
	agentID := flag.String("agent-id", os.Getenv("AGENT_ID"), "unique agent identifier, must start with agent_")
	hubURL := flag.String("hub-url", os.Getenv("HUB_URL"), "hub control-plane WebSocket URL")
	countryCode := flag.String("country-code", os.Getenv("COUNTRY_CODE"), "ISO 3166-1 alpha-2 country code of this host")
	region := flag.String("region", os.Getenv("REGION"), "deployment region")
	city := flag.String("city", os.Getenv("CITY"), "host city")
	asn := flag.String("asn", os.Getenv("ASN"), "host network ASN")
	asnOrg := flag.String("asn-org", os.Getenv("ASN_ORG"), "host network ASN organization")
	ip := flag.String("ip", os.Getenv("IP"), "agent's reported public IP (requires an operator-supplied geo/IP lookup; not derived locally)")
	remoteHost := flag.String("remote-host", os.Getenv("REMOTE_HOST"), "agent's reported reverse-DNS hostname (requires an operator-supplied lookup; not derived locally)")
	osType := flag.String("os-type", os.Getenv("OS_TYPE"), "host OS type (defaults to runtime.GOOS if unset)")
	osVersion := flag.String("os-version", os.Getenv("OS_VERSION"), "host OS version (requires an operator-supplied value; not derived locally)")
	hostname := flag.String("hostname", os.Getenv("HOSTNAME"), "host name (defaults to os.Hostname() if unset)")
	kernelVersion := flag.String("kernel-version", os.Getenv("KERNEL_VERSION"), "host kernel version (requires an operator-supplied value; not derived locally)")
	username := flag.String("username", os.Getenv("USERNAME"), "host user name (defaults to the current OS user if unset)")
	logLevel := flag.String("log-level", getEnvOrDefault("LOG_LEVEL", "info"), "zerolog level")
	logPretty := flag.Bool("log-pretty", getEnvBoolOrDefault("LOG_PRETTY", false), "console-formatted logs instead of JSON")
	flag.Parse()

	cfg := config.Config{
		AgentID:       *agentID,
		HubURL:        *hubURL,
		CountryCode:   *countryCode,
		Region:        *region,
		City:          *city,
		ASN:           *asn,
		ASNOrg:        *asnOrg,
		IP:            *ip,
		RemoteHost:    *remoteHost,
		OSType:        *osType,
		OSVersion:     *osVersion,
		Hostname:      *hostname,
		KernelVersion: *kernelVersion,
		Username:      *username,
		LogLevel:      *logLevel,
		LogPretty:     *logPretty,
	}
	if err := cfg.Validate(); err != nil {
		logging.Initialize("agent", "info", false)
		logging.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	logging.Initialize("agent", cfg.LogLevel, cfg.LogPretty)
	log := logging.Log

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go runWithReconnect(cfg, log, done)

	<-stop
	log.Info().Msg("shutdown signal received")
	close(done)
}

// runWithReconnect dials the hub and runs the control loop, retrying with
// exponential backoff whenever the connection drops, until done is closed.
func runWithReconnect(cfg config.Config, log zerolog.Logger, done <-chan struct{}) {
	attempt := 0
	for {
		select {
		case <-done:
			return
		default:
		}

		loop, err := control.Dial(cfg, log)
		if err != nil {
			delay := backoffDelay(attempt)
			log.Error().Err(err).Dur("retry_in", delay).Msg("failed to connect to hub")
			attempt++
			select {
			case <-done:
				return
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		loop.Run()

		select {
		case <-done:
			return
		default:
			log.Warn().Msg("control loop disconnected, reconnecting")
		}
	}
}

// backoffDelay implements the fixed exponential schedule: 2s, 4s, 8s,
// 16s, 32s, then holds at 32s.
func backoffDelay(attempt int) time.Duration {
	if attempt >= len(reconnectBackoff) {
		return reconnectBackoff[len(reconnectBackoff)-1]
	}
	return reconnectBackoff[attempt]
}

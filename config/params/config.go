// Package params defines the process-wide configuration of the ceremony
// coordinator. Values are initialized at startup and never changed at
// runtime except through Override in tests.
package params

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// CoordinatorConfig contains constant configs for the ceremony coordinator.
type CoordinatorConfig struct {
	// Coordinators lists the identities allowed to perform coordinator-only
	// operations: ceremony setup, bucket creation, finalization. Identities
	// outside the list are rejected with FORBIDDEN.
	Coordinators []string `yaml:"COORDINATORS"`
	// CeremonyBucketPostfix is appended to a ceremony's prefix to form its
	// artifact bucket name.
	CeremonyBucketPostfix string `yaml:"CEREMONY_BUCKET_POSTFIX"`
	// StreamChunkSizeInMB is the multipart upload part size.
	StreamChunkSizeInMB int `yaml:"STREAM_CHUNK_SIZE_IN_MB"`
	// PresignedURLExpirationInSeconds is the TTL of pre-signed storage URLs.
	PresignedURLExpirationInSeconds int `yaml:"PRESIGNED_URL_EXPIRATION_IN_SECONDS"`
	// VerificationTimeoutSeconds caps a single verification run.
	VerificationTimeoutSeconds int `yaml:"VERIFICATION_TIMEOUT_SECONDS"`
	// TimeoutScanIntervalSeconds is the period of the scheduler's timeout
	// sweep over circuits with a current contributor.
	TimeoutScanIntervalSeconds int `yaml:"TIMEOUT_SCAN_INTERVAL_SECONDS"`
	// DynamicTimeoutMultiplier is the default multiplier applied to a
	// circuit's average full-contribution time under the DYNAMIC mechanism.
	// Ceremonies may override it per document.
	DynamicTimeoutMultiplier float64 `yaml:"DYNAMIC_TIMEOUT_MULTIPLIER"`
	// UpstreamRetryAttempts bounds retries against storage and compute
	// providers before surfacing UPSTREAM_UNAVAILABLE.
	UpstreamRetryAttempts int `yaml:"UPSTREAM_RETRY_ATTEMPTS"`
	// UpstreamRetryBaseDelay is the first backoff step; doubled per attempt.
	UpstreamRetryBaseDelay time.Duration `yaml:"UPSTREAM_RETRY_BASE_DELAY"`
	// VerifyWorkers bounds concurrent in-process (CF) verifications.
	VerifyWorkers int `yaml:"VERIFY_WORKERS"`
	// VMPollInterval is the polling period for remote verification commands.
	VMPollInterval time.Duration `yaml:"VM_POLL_INTERVAL"`
	// SolidityVersion is stamped into exported verifier contracts.
	SolidityVersion string `yaml:"SOLIDITY_VERSION"`
	// FinalBeaconIterations is the number of hash iterations (power of two
	// exponent) applied to the beacon at finalization.
	FinalBeaconIterations int `yaml:"FINAL_BEACON_ITERATIONS"`
}

var coordinatorConfig = defaultCoordinatorConfig()

func defaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		CeremonyBucketPostfix:           "-ph2-ceremony",
		StreamChunkSizeInMB:             128,
		PresignedURLExpirationInSeconds: 7200,
		VerificationTimeoutSeconds:      3600,
		TimeoutScanIntervalSeconds:      60,
		DynamicTimeoutMultiplier:        2,
		UpstreamRetryAttempts:           5,
		UpstreamRetryBaseDelay:          500 * time.Millisecond,
		VerifyWorkers:                   4,
		VMPollInterval:                  5 * time.Second,
		SolidityVersion:                 "0.8.0",
		FinalBeaconIterations:           10,
	}
}

// Get retrieves the current coordinator config.
func Get() *CoordinatorConfig {
	return coordinatorConfig
}

// Override replaces the process-wide config. Intended for startup and tests.
func Override(c *CoordinatorConfig) {
	coordinatorConfig = c
}

// Copy returns a copy of the config, safe to mutate before Override.
func (c *CoordinatorConfig) Copy() *CoordinatorConfig {
	config := *c
	config.Coordinators = append([]string(nil), c.Coordinators...)
	return &config
}

// IsCoordinator reports whether id carries the coordinator capability.
func (c *CoordinatorConfig) IsCoordinator(id string) bool {
	for _, coordinator := range c.Coordinators {
		if coordinator == id {
			return true
		}
	}
	return false
}

// StreamChunkSize returns the part size in bytes.
func (c *CoordinatorConfig) StreamChunkSize() int64 {
	return int64(c.StreamChunkSizeInMB) * 1024 * 1024
}

// TimeoutScanInterval returns the sweep period as a duration.
func (c *CoordinatorConfig) TimeoutScanInterval() time.Duration {
	return time.Duration(c.TimeoutScanIntervalSeconds) * time.Second
}

// VerificationTimeout returns the verification wall-clock cap as a duration.
func (c *CoordinatorConfig) VerificationTimeout() time.Duration {
	return time.Duration(c.VerificationTimeoutSeconds) * time.Second
}

// PresignedURLExpiration returns the signed URL TTL as a duration.
func (c *CoordinatorConfig) PresignedURLExpiration() time.Duration {
	return time.Duration(c.PresignedURLExpirationInSeconds) * time.Second
}

// LoadConfigFile merges a yaml config file over the current configuration.
func LoadConfigFile(path string) error {
	yamlFile, err := ioutil.ReadFile(path) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "could not read coordinator config file")
	}
	c := Get().Copy()
	if err := yaml.Unmarshal(yamlFile, c); err != nil {
		return errors.Wrap(err, "could not unmarshal coordinator config file")
	}
	Override(c)
	return nil
}

// UseTestConfig sets aggressive timings suitable for unit tests.
func UseTestConfig() {
	c := defaultCoordinatorConfig()
	c.TimeoutScanIntervalSeconds = 1
	c.UpstreamRetryAttempts = 2
	c.UpstreamRetryBaseDelay = time.Millisecond
	c.VMPollInterval = 10 * time.Millisecond
	Override(c)
}

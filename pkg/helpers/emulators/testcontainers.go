// Package emulators starts the containers integration tests run against:
// Redis, Mosquitto, Postgres and the GCP emulators.
package emulators

import (
	"google.golang.org/api/option"
)

type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

type GCImageContainer struct {
	ImageContainer
	ProjectID       string
	SetEnvVariables bool
}

// EmulatorConnection is how a test reaches a started container. Containers
// are terminated by t.Cleanup.
type EmulatorConnection struct {
	// EmulatorAddress is a host:port, or a URL for services addressed by one.
	EmulatorAddress string
	ClientOptions   []option.ClientOption
}

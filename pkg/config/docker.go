package config

import (
	"net"
	"os"
	"sync"
)

// dockerHostGateway is how a container reaches services on its host.
const dockerHostGateway = "host.docker.internal"

var inContainer = sync.OnceValue(func() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
})

// ResolveHostForDocker rewrites loopback data source hosts to the Docker host
// gateway when the process runs in a container. Other hosts pass through.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, inContainer())
}

func resolveHost(host string, containerized bool) string {
	if !containerized {
		return host
	}
	if host == "localhost" {
		return dockerHostGateway
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return dockerHostGateway
	}
	return host
}

// Package endpoint provides optional service-discovery based
// resolution of the bundle-service and stream-transport endpoints, for
// deployments that don't pin a static URL. It is consulted only when
// the caller has not configured a static endpoint.
package endpoint

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/kaelmesh/whisperlink/internal/errkind"
)

// ConsulResolver looks up healthy instances of a named service via
// Consul's health-check API. Unlike the server's registry, it never
// registers or deregisters anything — it only resolves.
type ConsulResolver struct {
	client      *api.Client
	serviceName string
	logger      *log.Logger
}

// NewConsulResolver builds a resolver against the Consul agent at
// addr, targeting serviceName (e.g. "bundle-service" or
// "stream-transport").
func NewConsulResolver(addr, serviceName string) (*ConsulResolver, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, "create consul client", err)
	}

	return &ConsulResolver{
		client:      client,
		serviceName: serviceName,
		logger:      log.New(log.Writer(), "[ENDPOINT] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// Resolve returns a base URL for a healthy instance of the configured
// service, chosen at random among the healthy set to spread load
// across a local caller's requests over time.
func (r *ConsulResolver) Resolve() (string, error) {
	services, _, err := r.client.Health().Service(r.serviceName, "", true, nil)
	if err != nil {
		return "", errkind.Wrap(errkind.Transport, "query consul for healthy instances", err)
	}
	if len(services) == 0 {
		return "", errkind.New(errkind.Transport, fmt.Sprintf("no healthy instances of %q", r.serviceName))
	}

	chosen := services[rand.Intn(len(services))]
	addr := chosen.Service.Address
	if addr == "" {
		addr = chosen.Node.Address
	}
	return fmt.Sprintf("http://%s:%d", addr, chosen.Service.Port), nil
}

// Watch invokes callback whenever the healthy instance set changes. It
// loops forever, retrying after a query error, and never returns;
// there is no way to cancel it (callers typically run this in its own
// goroutine).
func (r *ConsulResolver) Watch(callback func(endpoints []string)) {
	var lastIndex uint64
	for {
		services, meta, err := r.client.Health().Service(r.serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			r.logger.Printf("error watching consul service %q: %v", r.serviceName, err)
			time.Sleep(5 * time.Second)
			continue
		}
		if meta.LastIndex == lastIndex {
			continue
		}
		lastIndex = meta.LastIndex

		endpoints := make([]string, 0, len(services))
		for _, svc := range services {
			addr := svc.Service.Address
			if addr == "" {
				addr = svc.Node.Address
			}
			endpoints = append(endpoints, fmt.Sprintf("http://%s:%d", addr, svc.Service.Port))
		}
		callback(endpoints)
	}
}

// Copyright (c) 2024 Netstore Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package network

import (
	"fmt"
	"os"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// AdvertiseConfig defines mDNS advertisement configuration.
type AdvertiseConfig struct {
	Enable      bool   `yaml:"enable"`
	ServiceName string `yaml:"service_name"`
	Instance    string `yaml:"instance"`
}

// Advertiser announces the control endpoint over mDNS so that clients on
// networks without a preconfigured multicast address can still find the
// server. Purely additive to the native discover command.
type Advertiser struct {
	server *mdns.Server
	logger *zap.Logger
}

// NewAdvertiser starts advertising the control port. Returns nil when
// advertisement is disabled.
func NewAdvertiser(config AdvertiseConfig, port int, logger *zap.Logger) (*Advertiser, error) {
	if !config.Enable {
		return nil, nil
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "_netstore._udp"
	}
	instance := config.Instance
	if instance == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		instance = hostname
	}

	service, err := mdns.NewMDNSService(
		instance, serviceName, "", "", port, nil,
		[]string{"netstore file server"})
	if err != nil {
		return nil, fmt.Errorf("create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mDNS server: %w", err)
	}

	logger.Info("mDNS advertisement started",
		zap.String("service", serviceName),
		zap.String("instance", instance),
		zap.Int("port", port))

	return &Advertiser{
		server: server,
		logger: logger,
	}, nil
}

// Shutdown stops the advertisement.
func (a *Advertiser) Shutdown() {
	if a == nil {
		return
	}
	a.server.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
}

// Package joinserver provides the client pool towards the (external)
// join-servers. Clients are selected by JoinEUI, with an optional
// DNS-style resolve of the JoinEUI into a server hostname and a default
// join-server as fallback.
package joinserver

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/config"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

type poolClient struct {
	joinEUI lorawan.EUI64
	client  backend.Client
}

var (
	mu sync.RWMutex

	netID               lorawan.NetID
	clients             []poolClient
	defaultClient       backend.Client
	resolveJoinEUI      bool
	resolveDomainSuffix string
	keks                map[string][]byte
)

// Setup configures the join-server clients from the given configuration.
func Setup(conf config.Config) error {
	mu.Lock()
	defer mu.Unlock()

	netID = conf.NetworkServer.NetID
	resolveJoinEUI = conf.JoinServer.ResolveJoinEUI
	resolveDomainSuffix = conf.JoinServer.ResolveDomainSuffix
	clients = nil

	keks = make(map[string][]byte)
	for _, k := range conf.JoinServer.KEK.Set {
		kek, err := hexToKEK(k.KEK)
		if err != nil {
			return errors.Wrap(err, "decode kek error")
		}
		keks[k.Label] = kek
	}

	for _, js := range conf.JoinServer.Servers {
		c, err := backend.NewClient(backend.ClientConfig{
			SenderID:   netID.String(),
			ReceiverID: js.JoinEUI.String(),
			Server:     js.Server,
			CACert:     js.CACert,
			TLSCert:    js.TLSCert,
			TLSKey:     js.TLSKey,
		})
		if err != nil {
			return errors.Wrap(err, "new backend client error")
		}
		clients = append(clients, poolClient{joinEUI: js.JoinEUI, client: c})
	}

	defaultClient = nil
	if conf.JoinServer.Default.Server != "" {
		c, err := backend.NewClient(backend.ClientConfig{
			SenderID: netID.String(),
			Server:   conf.JoinServer.Default.Server,
		})
		if err != nil {
			return errors.Wrap(err, "new default backend client error")
		}
		defaultClient = c
	}

	return nil
}

// GetClientForJoinEUI returns the join-server client for the given
// JoinEUI.
func GetClientForJoinEUI(joinEUI lorawan.EUI64) (backend.Client, error) {
	mu.RLock()
	defer mu.RUnlock()

	for _, pc := range clients {
		if pc.joinEUI == joinEUI {
			return pc.client, nil
		}
	}

	if resolveJoinEUI {
		c, err := backend.NewClient(backend.ClientConfig{
			SenderID:   netID.String(),
			ReceiverID: joinEUI.String(),
			Server:     joinEUIToServer(joinEUI, resolveDomainSuffix),
		})
		if err != nil {
			return nil, errors.Wrap(err, "new backend client error")
		}
		return c, nil
	}

	if defaultClient != nil {
		return defaultClient, nil
	}

	return nil, errors.Errorf("no join-server for JoinEUI %s", joinEUI)
}

// GetKEKKey returns the key-encryption key for the given label.
func GetKEKKey(label string) ([]byte, error) {
	mu.RLock()
	defer mu.RUnlock()

	kek, ok := keks[label]
	if !ok {
		return nil, errors.Errorf("unknown kek label %s", label)
	}
	return kek, nil
}

// joinEUIToServer formats the JoinEUI as a reverse nibble hostname under
// the given domain suffix, per the Backend Interfaces DNS scheme.
func joinEUIToServer(joinEUI lorawan.EUI64, domain string) string {
	var nibbles []string
	for i := len(joinEUI) - 1; i >= 0; i-- {
		nibbles = append(nibbles, fmt.Sprintf("%x", joinEUI[i]&0x0f), fmt.Sprintf("%x", joinEUI[i]>>4))
	}
	return "https://" + strings.Join(nibbles, ".") + domain
}

func hexToKEK(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// SetClientForJoinEUI overrides the client for a JoinEUI, used by the
// test-suite.
func SetClientForJoinEUI(joinEUI lorawan.EUI64, c backend.Client) {
	mu.Lock()
	defer mu.Unlock()

	for i := range clients {
		if clients[i].joinEUI == joinEUI {
			clients[i].client = c
			return
		}
	}
	clients = append(clients, poolClient{joinEUI: joinEUI, client: c})
}

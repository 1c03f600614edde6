// Package mcpwire implements a message-oriented control protocol over framed
// TCP connections. This root package provides convenient exports of the core
// components from the sub-packages.
package mcpwire

import (
	"github.com/Meg1134/mcpwire/pkg/client"
	"github.com/Meg1134/mcpwire/pkg/protocol"
	"github.com/Meg1134/mcpwire/pkg/server"
)

// Version is the current version of the module
const Version = "1.0.0"

// These exports provide direct access to the core components
var (
	// NewSession creates a client session for a server address
	NewSession = client.New

	// NewServer creates a listener for an address
	NewServer = server.New

	// NewRequest builds a request message
	NewRequest = protocol.NewRequest

	// NewNotification builds a notification message
	NewNotification = protocol.NewNotification
)

// Params is the argument bag carried by requests and notifications
type Params = protocol.Params

// Package bootstrap wires a loaded phconfig.Config into a running
// queue.Registry: spec §3 describes queues, types, and connections as
// three separate config sections (QueueInfo.Queue, QueueInfo.Type,
// QueueInfo.Connection) that name each other by string, resolved here
// into concrete queue.Connection values and registered backends.
// Grounded on pkg/queue.Registry itself (RegisterBackend/RegisterQueue)
// plus the filequeue and sqlqueue backend constructors.
package bootstrap

import (
	"fmt"

	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/queue"
	"github.com/cuemby/phineas/pkg/queue/filequeue"
	"github.com/cuemby/phineas/pkg/queue/sqlqueue"
)

// NewRegistry builds a queue.Registry from the QueueInfo.* config
// section. rowTypes maps a queue name to the row type its consumer
// expects (queue.ReceiveRowType for service-map queues,
// queue.SendTransportRowType for folder-map/route queues); the config
// layer itself carries no notion of row shape, so the receiver and
// sender entry points each supply only the subset of queues they use.
func NewRegistry(qi phconfig.QueueInfoConfig, rowTypes map[string]*queue.RowType) (*queue.Registry, error) {
	reg := queue.NewRegistry()
	reg.RegisterBackend(queue.ConnectionFile, filequeue.New)
	reg.RegisterBackend(queue.ConnectionODBC, sqlqueue.New)

	connsByName := make(map[string]phconfig.QueueConnectionConfig, len(qi.Connections))
	for _, c := range qi.Connections {
		connsByName[c.Name] = c
	}
	typesByName := make(map[string]phconfig.QueueTypeConfig, len(qi.Types))
	for _, t := range qi.Types {
		typesByName[t.Name] = t
	}

	for _, def := range qi.Queues {
		rowType, ok := rowTypes[def.Name]
		if !ok {
			continue
		}
		typ, ok := typesByName[def.Type]
		if !ok {
			return nil, fmt.Errorf("bootstrap: queue %q references undefined type %q", def.Name, def.Type)
		}
		conn, ok := connsByName[typ.Connection]
		if !ok {
			return nil, fmt.Errorf("bootstrap: type %q references undefined connection %q", typ.Name, typ.Connection)
		}

		connType := queue.ConnectionODBC
		driver := "pgx"
		if typ.Name == "file" {
			connType = queue.ConnectionFile
			driver = ""
		}

		if _, err := reg.RegisterQueue(def.Name, rowType, &queue.Connection{
			Name:     conn.Name,
			Type:     connType,
			Resource: conn.DSN,
			Driver:   driver,
		}); err != nil {
			return nil, fmt.Errorf("bootstrap: register queue %q: %w", def.Name, err)
		}
	}

	return reg, nil
}

// ReceiverRowTypes returns the {queue name -> ReceiveRowType} map for
// every distinct queue a receiver's service maps reference.
func ReceiverRowTypes(maps []phconfig.ServiceMapConfig) map[string]*queue.RowType {
	out := make(map[string]*queue.RowType)
	for _, m := range maps {
		if m.Queue != "" {
			out[m.Queue] = queue.ReceiveRowType
		}
	}
	return out
}

// SenderRowTypes returns the {queue name -> SendTransportRowType} map
// for every distinct queue a sender's folder maps reference.
func SenderRowTypes(maps []phconfig.FolderMapConfig) map[string]*queue.RowType {
	out := make(map[string]*queue.RowType)
	for _, m := range maps {
		if m.Queue != "" {
			out[m.Queue] = queue.SendTransportRowType
		}
	}
	return out
}

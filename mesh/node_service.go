package mesh

import (
	"context"

	"hop-rpc/node"
)

// NodeServiceName is the name of the built-in service every node hosts.
const NodeServiceName = "Node"

// NodeInfo is the reply of Node.Info.
type NodeInfo struct {
	Self     node.Announcement
	Known    []node.Announcement
	Relays   []string
	Services []string // "Service.Method"
}

type nodeService struct {
	n *Node
}

// Info describes the node and everything it has heard of.
func (s *nodeService) Info(args *struct{}, reply *NodeInfo) error {
	reply.Self = s.n.Announcement()
	for _, a := range s.n.infos.Snapshot() {
		if a.ID != s.n.id {
			reply.Known = append(reply.Known, a)
		}
	}
	reply.Relays = node.ContactPointStrings(s.n.routes.Relays())
	for _, name := range s.n.services.Names() {
		svc, ok := s.n.services.Service(name)
		if !ok {
			continue
		}
		for _, m := range svc.MethodNames() {
			reply.Services = append(reply.Services, name+"."+m)
		}
	}
	return nil
}

// Ping answers with its argument.
func (s *nodeService) Ping(ctx context.Context, payload *string, reply *string) error {
	*reply = *payload
	return nil
}

package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hop-rpc/internal/envelope"
	"hop-rpc/node"
	"hop-rpc/rpcerr"
)

// ServiceCallRequest asks the node Target to run Service.Method with Parameters.
type ServiceCallRequest struct {
	Target     node.Identifier
	Service    string
	Method     string
	Parameters *NetworkRequest
	Caller     string // opaque, passed through unmodified

	Origin node.Identifier // node where the call started
	Hops   int             // hops travelled so far
}

// SplitServiceMethod splits "Service.Method".
func SplitServiceMethod(serviceMethod string) (string, string, error) {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 || split[0] == "" || split[1] == "" {
		return "", "", fmt.Errorf("invalid service method format: %q", serviceMethod)
	}
	return split[0], split[1], nil
}

// NewServiceCallRequest builds a request with params serialized as content.
func NewServiceCallRequest(target node.Identifier, serviceMethod string, params any, caller string) (*ServiceCallRequest, error) {
	svc, method, err := SplitServiceMethod(serviceMethod)
	if err != nil {
		return nil, err
	}
	p, err := NewNetworkRequestWithValue(params, "")
	if err != nil {
		return nil, err
	}
	return &ServiceCallRequest{
		Target:     target,
		Service:    svc,
		Method:     method,
		Parameters: p,
		Caller:     caller,
	}, nil
}

func (r *ServiceCallRequest) ServiceMethod() string {
	return r.Service + "." + r.Method
}

// ToNetworkRequest produces the envelope sent to the next hop. The
// parameters are cloned, so the original request is never shared between
// hops. budget <= 0 means no deadline.
func (r *ServiceCallRequest) ToNetworkRequest(budget time.Duration) *NetworkRequest {
	out := r.Parameters.Clone()
	ed := envelope.Edit(out).
		Set(MetaKind, KindCall).
		Set(MetaTarget, r.Target.String()).
		Set(MetaService, r.Service).
		Set(MetaMethod, r.Method).
		Set(MetaOrigin, r.Origin.String()).
		Set(MetaHops, strconv.Itoa(r.Hops+1))
	if r.Caller != "" {
		ed.Set(MetaCaller, r.Caller)
	} else {
		ed.Delete(MetaCaller)
	}
	if budget > 0 {
		ed.Set(MetaBudget, strconv.FormatInt(budget.Milliseconds(), 10))
	} else {
		ed.Delete(MetaBudget)
	}
	return out
}

// ServiceCallRequestFromNetwork reads routing metadata back out of an
// inbound envelope. The returned budget is 0 when the sender set none.
func ServiceCallRequestFromNetwork(req *NetworkRequest) (*ServiceCallRequest, time.Duration, error) {
	target := req.MetadataValue(MetaTarget)
	if target == "" {
		return nil, 0, errors.New("missing target node")
	}
	svc, method := req.MetadataValue(MetaService), req.MetadataValue(MetaMethod)
	if svc == "" || method == "" {
		return nil, 0, errors.New("missing service or method")
	}
	hops := 0
	if s := req.MetadataValue(MetaHops); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, 0, fmt.Errorf("bad hop count %q", s)
		}
		hops = n
	}
	var budget time.Duration
	if s := req.MetadataValue(MetaBudget); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("bad budget %q", s)
		}
		// An exhausted budget still counts as a deadline.
		budget = max(time.Duration(ms)*time.Millisecond, time.Millisecond)
	}

	params := req.Clone()
	envelope.Edit(params).
		Delete(MetaKind).Delete(MetaTarget).Delete(MetaService).Delete(MetaMethod).
		Delete(MetaOrigin).Delete(MetaHops).Delete(MetaCaller).Delete(MetaBudget).
		Delete(MetaReplyTo).Delete(MetaConnectionID)

	return &ServiceCallRequest{
		Target:     node.Identifier(target),
		Service:    svc,
		Method:     method,
		Parameters: params,
		Caller:     req.MetadataValue(MetaCaller),
		Origin:     node.Identifier(req.MetadataValue(MetaOrigin)),
		Hops:       hops,
	}, budget, nil
}

// Failure describes why a call did not produce a return value.
type Failure struct {
	Kind    rpcerr.Kind
	Message string
	Node    string
}

// ServiceCallResult is either a return value or a failure, never both.
type ServiceCallResult struct {
	Content *NetworkResponse
	Failure *Failure
}

// Success wraps return-value content.
func Success(content *NetworkResponse) *ServiceCallResult {
	return &ServiceCallResult{Content: content}
}

// Failed turns err into a failed result. Unclassified errors are reported
// as communication failures.
func Failed(err error) *ServiceCallResult {
	var e *rpcerr.Error
	if !errors.As(err, &e) {
		e = rpcerr.Wrap(rpcerr.KindCommunication, "", err)
	}
	msg := e.Msg
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return &ServiceCallResult{Failure: &Failure{Kind: e.Kind, Message: msg, Node: e.Node}}
}

// Err returns the failure as an *rpcerr.Error, or nil on success.
func (r *ServiceCallResult) Err() error {
	if r.Failure == nil {
		return nil
	}
	return &rpcerr.Error{Kind: r.Failure.Kind, Node: r.Failure.Node, Msg: r.Failure.Message}
}

// ReturnValue decodes the return value.
func (r *ServiceCallResult) ReturnValue() (any, error) {
	if err := r.Err(); err != nil {
		return nil, err
	}
	return r.Content.DeserializedContent()
}

// Decode decodes the return value into the value ptr points to.
func (r *ServiceCallResult) Decode(ptr any) error {
	if err := r.Err(); err != nil {
		return err
	}
	return r.Content.DecodeContent(ptr)
}

// ToNetworkResponse maps the result onto a response envelope. Failures
// travel as metadata with empty content.
func (r *ServiceCallResult) ToNetworkResponse() *NetworkResponse {
	if r.Failure == nil {
		return r.Content.Clone()
	}
	resp := NewNetworkResponse(nil, nil)
	ed := envelope.Edit(resp).
		Set(MetaFailureKind, string(r.Failure.Kind)).
		Set(MetaFailureMessage, r.Failure.Message)
	if r.Failure.Node != "" {
		ed.Set(MetaFailureNode, r.Failure.Node)
	}
	return resp
}

// ResultFromNetworkResponse is the inverse of ToNetworkResponse.
func ResultFromNetworkResponse(resp *NetworkResponse) *ServiceCallResult {
	kind := resp.MetadataValue(MetaFailureKind)
	if kind == "" {
		return Success(resp)
	}
	return &ServiceCallResult{Failure: &Failure{
		Kind:    rpcerr.Kind(kind),
		Message: resp.MetadataValue(MetaFailureMessage),
		Node:    resp.MetadataValue(MetaFailureNode),
	}}
}

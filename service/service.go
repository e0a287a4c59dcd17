// Package service holds the services a node implements locally.
//
// A service is a struct pointer; its exported methods of one of the shapes
//
//	func (s *T) Method(args *A, reply *R) error
//	func (s *T) Method(ctx context.Context, args *A, reply *R) error
//
// become callable as "T.Method". Argument and reply types are registered
// with the content codec on registration, so callers can send them without
// extra setup.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"

	"hop-rpc/codec"
	"hop-rpc/rpcerr"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// ErrNoMethods is returned when a receiver has no method of a callable shape.
var ErrNoMethods = errors.New("service has no callable methods")

// Method is one callable method of a registered service.
type Method struct {
	Name      string
	ArgType   reflect.Type
	ReplyType reflect.Type

	service  string
	rcvr     reflect.Value
	fn       reflect.Value
	takesCtx bool
}

// Invoke runs the method with arg, which must be an ArgType value, a pointer
// to one, or nil for the zero value. It returns the reply value.
//
// An error returned by the method, and a panic inside it, become a
// ServiceExecution error.
func (m *Method) Invoke(ctx context.Context, arg any) (reply any, err error) {
	argv := reflect.New(m.ArgType)
	if arg != nil {
		v := reflect.ValueOf(arg)
		if v.Kind() == reflect.Pointer && v.Type().Elem() == m.ArgType {
			if v.IsNil() {
				v = reflect.Zero(m.ArgType)
			} else {
				v = v.Elem()
			}
		}
		if v.Type() != m.ArgType {
			return nil, rpcerr.Errorf(rpcerr.KindSerialization,
				"%s.%s expects %s, got %s", m.service, m.Name, m.ArgType, v.Type())
		}
		argv.Elem().Set(v)
	}
	replyv := reflect.New(m.ReplyType)

	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = &rpcerr.Error{
				Kind: rpcerr.KindServiceExecution,
				Msg:  fmt.Sprintf("%s.%s panicked: %v", m.service, m.Name, r),
				Err:  fmt.Errorf("%s", debug.Stack()),
			}
		}
	}()

	var in []reflect.Value
	if m.takesCtx {
		in = []reflect.Value{m.rcvr, reflect.ValueOf(ctx), argv, replyv}
	} else {
		in = []reflect.Value{m.rcvr, argv, replyv}
	}
	out := m.fn.Call(in)
	if errv := out[0]; !errv.IsNil() {
		cause := errv.Interface().(error)
		return nil, &rpcerr.Error{Kind: rpcerr.KindServiceExecution, Msg: cause.Error(), Err: cause}
	}
	return replyv.Elem().Interface(), nil
}

// Service is a registered receiver.
type Service struct {
	Name    string
	methods map[string]*Method
}

// Method returns the named method.
func (s *Service) Method(name string) (*Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// MethodNames lists the callable methods in sorted order.
func (s *Service) MethodNames() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newService(name string, rcvr any) (*Service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("service: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("service: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	if name == "" {
		return nil, errors.New("service: anonymous receiver needs an explicit name")
	}

	rcvrv := reflect.ValueOf(rcvr)
	svc := &Service{Name: name, methods: make(map[string]*Method)}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		takesCtx := false
		switch {
		case mt.NumIn() == 4 && mt.In(1) == contextType:
			first, takesCtx = 2, true
		case mt.NumIn() == 3:
		default:
			continue
		}
		argT, replyT := mt.In(first), mt.In(first+1)
		if argT.Kind() != reflect.Pointer || replyT.Kind() != reflect.Pointer {
			continue
		}
		for _, t := range []reflect.Type{argT.Elem(), replyT.Elem()} {
			if codec.Registered(t) {
				continue
			}
			if err := codec.Register(reflect.New(t).Elem().Interface()); err != nil {
				return nil, fmt.Errorf("service %s.%s: %w", name, m.Name, err)
			}
		}
		svc.methods[m.Name] = &Method{
			Name:      m.Name,
			ArgType:   argT.Elem(),
			ReplyType: replyT.Elem(),
			service:   name,
			rcvr:      rcvrv,
			fn:        m.Func,
			takesCtx:  takesCtx,
		}
	}
	if len(svc.methods) == 0 {
		return nil, fmt.Errorf("service %s: %w", name, ErrNoMethods)
	}
	return svc, nil
}

// Registry is the set of services implemented by the local node.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register registers rcvr under its type name.
func (r *Registry) Register(rcvr any) error {
	return r.RegisterName("", rcvr)
}

// RegisterName registers rcvr under name. Names are unique.
func (r *Registry) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[svc.Name]; ok {
		return fmt.Errorf("service %s already registered", svc.Name)
	}
	r.services[svc.Name] = svc
	return nil
}

// Lookup finds service.method. The error is a ServiceNotFound *rpcerr.Error.
func (r *Registry) Lookup(service, method string) (*Method, error) {
	r.mu.RLock()
	svc, ok := r.services[service]
	r.mu.RUnlock()
	if !ok {
		return nil, rpcerr.Errorf(rpcerr.KindServiceNotFound, "no service %q", service)
	}
	m, ok := svc.Method(method)
	if !ok {
		return nil, rpcerr.Errorf(rpcerr.KindServiceNotFound, "service %q has no method %q", service, method)
	}
	return m, nil
}

// Service returns the service registered under name.
func (r *Registry) Service(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Names lists the registered services in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

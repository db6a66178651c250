package runtime

import (
	"fmt"
	"reflect"
	"sync"
)

// errorType is the reflect.Type of the built-in error interface, used to
// recognise a method's trailing error return.
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// method is one exported, RPC-eligible method found on a registered
// service: any exported method whose final return is error and which
// returns at most one other value. Signatures are arbitrary positional
// arguments rather than a fixed (*Args, *Reply) error shape, so a
// request's []any argument vector can be arity-matched directly against
// Go parameters.
type method struct {
	fn        reflect.Value
	argTypes  []reflect.Type
	hasResult bool
}

// service is one registered receiver: its RPC-eligible methods indexed
// by name.
type service struct {
	methods map[string]*method
}

func newService(rcvr any) (*service, error) {
	val := reflect.ValueOf(rcvr)
	typ := val.Type()

	svc := &service{methods: make(map[string]*method)}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		mt := m.Type // includes the receiver as In(0) since typ came from reflect.ValueOf(rcvr).Type()

		numOut := mt.NumOut()
		if numOut == 0 || numOut > 2 || mt.Out(numOut-1) != errorType {
			continue
		}

		argTypes := make([]reflect.Type, mt.NumIn()-1)
		for j := 1; j < mt.NumIn(); j++ {
			argTypes[j-1] = mt.In(j)
		}

		svc.methods[m.Name] = &method{
			fn:        val.Method(i),
			argTypes:  argTypes,
			hasResult: numOut == 2,
		}
	}

	if len(svc.methods) == 0 {
		return nil, fmt.Errorf("runtime: %T exposes no RPC-eligible methods (need a trailing error return)", rcvr)
	}
	return svc, nil
}

func (s *service) call(name string, args []any) (any, error) {
	m, ok := s.methods[name]
	if !ok {
		return nil, fmt.Errorf("runtime: unknown method %q", name)
	}
	if len(args) != len(m.argTypes) {
		return nil, fmt.Errorf("runtime: method %q takes %d argument(s), got %d", name, len(m.argTypes), len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		want := m.argTypes[i]
		v := reflect.ValueOf(a)
		if !v.IsValid() {
			v = reflect.Zero(want)
		} else if !v.Type().AssignableTo(want) {
			if !v.Type().ConvertibleTo(want) {
				return nil, fmt.Errorf("runtime: method %q argument %d: cannot use %s as %s", name, i, v.Type(), want)
			}
			v = v.Convert(want)
		}
		in[i] = v
	}

	out := m.fn.Call(in)
	errVal := out[len(out)-1]
	if !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	if m.hasResult {
		return out[0].Interface(), nil
	}
	return nil, nil
}

// ServiceRegistry maps a service-type identifier ("Arith" -> *service) to
// a registered receiver. It is exposed as its own type so runtime.Runtime
// can compose it with the middleware chain rather than owning dispatch
// directly.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]*service
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]*service)}
}

// Register scans rcvr's exported methods and makes them callable under
// serviceType.
func (r *ServiceRegistry) Register(serviceType string, rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[serviceType] = svc
	return nil
}

// Invoke calls serviceType.method(args...) via reflection, matching
// arity and argument types positionally.
func (r *ServiceRegistry) Invoke(serviceType, method string, args ...any) (any, error) {
	r.mu.RLock()
	svc, ok := r.services[serviceType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runtime: unknown service type %q", serviceType)
	}
	return svc.call(method, args)
}

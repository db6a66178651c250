package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mxtransport/message"
)

func TestRouteTableResolveDefaultsToDestination(t *testing.T) {
	rt := NewRouteTable()
	dest := message.ServiceEndpoint{BaseURI: "https://svc/", PinnedThumbprint: "AA"}
	require.Equal(t, dest, rt.Resolve(dest))
}

func TestRouteTableResolveSingleHopOnly(t *testing.T) {
	rt := NewRouteTable()
	dest := message.ServiceEndpoint{BaseURI: "https://svc/", PinnedThumbprint: "AA"}
	gateway := message.ServiceEndpoint{BaseURI: "https://gateway/", PinnedThumbprint: "BB"}
	unreachedThirdHop := message.ServiceEndpoint{BaseURI: "https://third/", PinnedThumbprint: "CC"}

	rt.Set(dest, gateway)
	rt.Set(gateway, unreachedThirdHop) // a chained route must NOT be followed

	require.Equal(t, gateway, rt.Resolve(dest))
}

func TestRouteTableUnset(t *testing.T) {
	rt := NewRouteTable()
	dest := message.ServiceEndpoint{BaseURI: "https://svc/", PinnedThumbprint: "AA"}
	gateway := message.ServiceEndpoint{BaseURI: "https://gateway/", PinnedThumbprint: "BB"}

	rt.Set(dest, gateway)
	rt.Unset(dest)
	require.Equal(t, dest, rt.Resolve(dest))
}

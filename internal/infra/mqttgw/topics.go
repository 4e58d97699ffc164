package mqttgw

import "strings"

// Topics builds the gateway topic tree under a configurable prefix:
//
//	<prefix>/gateway/status              retained availability
//	<prefix>/gateway/scan                scan requests
//	<prefix>/devices/<addr>/<op>         connect, services, subscribe, write, disconnect
//	<prefix>/devices/<addr>/notify/<ch>  characteristic notifications
//	<prefix>/devices/<addr>/state        link state events
//	<prefix>/clients/<client>/reply      replies for this client
type Topics struct {
	Prefix string
}

func (t Topics) base() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return "blegw"
	}
	return p
}

func (t Topics) GatewayStatus() string { return t.base() + "/gateway/status" }
func (t Topics) Scan() string          { return t.base() + "/gateway/scan" }

func (t Topics) Device(addr, op string) string {
	return t.base() + "/devices/" + addr + "/" + op
}

func (t Topics) Notify(addr, characteristicID string) string {
	return t.Device(addr, "notify") + "/" + characteristicID
}

func (t Topics) State(addr string) string { return t.Device(addr, "state") }

func (t Topics) Reply(clientID string) string {
	return t.base() + "/clients/" + clientID + "/reply"
}

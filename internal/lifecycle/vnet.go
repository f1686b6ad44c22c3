package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"zjm/internal/command"
	"zjm/internal/jail"
	"zjm/internal/jailconf"
	"zjm/internal/topology"
)

// hostNIC is the host end of a VNET pair, e.g. "vnet0.12".
func hostNIC(nic string, jid int) string {
	return nic + "." + strconv.Itoa(jid)
}

// startVNET wires one epair per configured NIC into the jail. Each NIC is
// attempted; the failures are returned for reporting.
func (c *Controller) startVNET(ctx context.Context, res topology.Resource, cfg *jailconf.Config, jid int) []error {
	var failed []error
	defIface, err := c.vnetDefaultInterface(ctx, cfg)
	if err != nil {
		failed = append(failed, err)
	}
	before := cfg.Clone()
	for _, nic := range cfg.Interfaces() {
		if err := c.startNIC(ctx, res, cfg, nic, jid, defIface); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", nic.Name, err))
		}
	}
	// Newly derived MACs are kept for every later start.
	if !before.Equal(cfg) {
		if err := c.Store.Write(ctx, res.Path, cfg); err != nil {
			failed = append(failed, err)
		}
	}
	return failed
}

// vnetDefaultInterface resolves vnet_default_interface. "none" and an empty
// result leave bridges without an uplink.
func (c *Controller) vnetDefaultInterface(ctx context.Context, cfg *jailconf.Config) (string, error) {
	v := cfg.Get("vnet_default_interface")
	switch v {
	case "", "none":
		return "", nil
	case "auto":
		return c.defaultInterface(ctx)
	}
	return v, nil
}

func (c *Controller) startNIC(ctx context.Context, res topology.Resource, cfg *jailconf.Config, nic jailconf.NIC, jid int, defIface string) (err error) {
	macA, macB, err := macFor(cfg, nic.Name)
	if err != nil {
		return err
	}
	mtu := c.bridgeMTU(ctx, nic.Bridge)

	out, err := command.Output(ctx, c.Run, "ifconfig", "epair", "create")
	if err != nil {
		return err
	}
	epairA := strings.TrimSpace(string(out))
	if !strings.HasSuffix(epairA, "a") {
		return fmt.Errorf("unexpected epair name %q", epairA)
	}
	epairB := strings.TrimSuffix(epairA, "a") + "b"
	host := hostNIC(nic.Name, jid)
	name := jail.Name(res.ID)

	// Destroying the host end takes the jail end with it.
	hostEnd := epairA
	defer func() {
		if err == nil {
			return
		}
		if _, derr := c.Run.Run(context.WithoutCancel(ctx), command.New("ifconfig", hostEnd, "destroy")); derr != nil {
			c.Sink.Warn("Failed to destroy epair", "interface", hostEnd, "error", command.Stderr(derr))
		}
	}()

	steps := []command.Cmd{
		command.New("ifconfig", epairA, "name", host, "mtu", mtu),
		command.New("ifconfig", host, "link", colons(macA)),
		command.New("ifconfig", host, "description", fmt.Sprintf("associated with jail: %s as nic: %s", res.ID, nic.Name)),
		command.New("ifconfig", epairB, "vnet", name),
		command.New("jexec", name, "ifconfig", epairB, "name", nic.Name, "mtu", mtu),
		command.New("jexec", name, "ifconfig", nic.Name, "link", colons(macB)),
	}
	if strings.Contains(cfg.Get("ip6_addr"), "accept_rtadv") {
		steps = append(steps, command.New("jexec", name, "ifconfig", nic.Name, "inet6", "auto_linklocal", "accept_rtadv", "-ifdisabled"))
	}
	for i, s := range steps {
		if _, err := c.Run.Run(ctx, s); err != nil {
			return fmt.Errorf("%s: %s: %w", s, command.Stderr(err), err)
		}
		if i == 0 {
			hostEnd = host
		}
	}
	if defIface != "" {
		// Already a member is the common case.
		_, _ = c.Run.Run(ctx, command.New("ifconfig", nic.Bridge, "addm", defIface))
	}
	for _, s := range []command.Cmd{
		command.New("ifconfig", nic.Bridge, "addm", host, "up"),
		command.New("ifconfig", host, "up"),
	} {
		if _, err := c.Run.Run(ctx, s); err != nil {
			return fmt.Errorf("%s: %s: %w", s, command.Stderr(err), err)
		}
	}
	return c.assignAddresses(ctx, res, cfg, nic.Name)
}

// assignAddresses configures the static addresses of nic inside the jail
// and the default routes through the first NIC. DHCP is left to the jail's
// rc.conf.
func (c *Controller) assignAddresses(ctx context.Context, res topology.Resource, cfg *jailconf.Config, nic string) error {
	name := jail.Name(res.ID)
	first := len(cfg.Interfaces()) > 0 && cfg.Interfaces()[0].Name == nic
	families := []struct {
		addrs, router string
		inet          []string
		route         []string
	}{
		{cfg.Get("ip4_addr"), cfg.Get("defaultrouter"), []string{"inet"}, []string{"route", "add", "default"}},
		{cfg.Get("ip6_addr"), cfg.Get("defaultrouter6"), []string{"inet6"}, []string{"route", "add", "-6", "default"}},
	}
	for _, fam := range families {
		configured := false
		for _, a := range parseAddrs(fam.addrs, nic) {
			if a.Iface != nic {
				continue
			}
			args := append([]string{"ifconfig", nic}, fam.inet...)
			args = append(args, a.Addr, "alias")
			if _, err := c.Run.Run(ctx, command.New("jexec", append([]string{name}, args...)...)); err != nil {
				return fmt.Errorf("address %s: %s: %w", a.Addr, command.Stderr(err), err)
			}
			configured = true
		}
		if !first || !configured || fam.router == "none" || fam.router == "" {
			continue
		}
		args := append([]string{name}, fam.route...)
		if _, err := c.Run.Run(ctx, command.New("jexec", append(args, fam.router)...)); err != nil {
			return fmt.Errorf("default route %s: %s: %w", fam.router, command.Stderr(err), err)
		}
	}
	return nil
}

// bridgeMTU returns the MTU of the bridge's first member, 1500 when it
// cannot be determined.
func (c *Controller) bridgeMTU(ctx context.Context, bridge string) string {
	out, err := command.Output(ctx, c.Run, "ifconfig", bridge)
	if err != nil {
		return "1500"
	}
	member := ""
	for _, line := range strings.Split(string(out), "\n") {
		f := strings.Fields(line)
		if len(f) >= 2 && f[0] == "member:" {
			member = f[1]
			break
		}
	}
	if member == "" {
		return "1500"
	}
	out, err = command.Output(ctx, c.Run, "ifconfig", member)
	if err != nil {
		return "1500"
	}
	if mtu := fieldAfter(string(out), "mtu"); mtu != "" {
		return mtu
	}
	return "1500"
}

func fieldAfter(s, key string) string {
	f := strings.Fields(s)
	for i := 0; i+1 < len(f); i++ {
		if f[i] == key {
			return f[i+1]
		}
	}
	return ""
}

// stopVNET destroys the host end of every VNET pair. The jail end goes with
// it.
func (c *Controller) stopVNET(ctx context.Context, cfg *jailconf.Config, jid int) error {
	var failed []string
	for _, nic := range cfg.Interfaces() {
		if _, err := c.Run.Run(ctx, command.New("ifconfig", hostNIC(nic.Name, jid), "destroy")); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %s", hostNIC(nic.Name, jid), command.Stderr(err)))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("could not destroy %s", strings.Join(failed, ", "))
	}
	return nil
}

// removeAliases drops the addresses a non-VNET jail added to host
// interfaces. Already gone is fine.
func (c *Controller) removeAliases(ctx context.Context, cfg *jailconf.Config) error {
	defIface := ""
	var failed []string
	for _, fam := range []struct{ key, inet string }{{"ip4_addr", "inet"}, {"ip6_addr", "inet6"}} {
		for _, a := range parseAddrs(cfg.Get(fam.key), "") {
			iface := a.Iface
			if iface == "" {
				if defIface == "" {
					var err error
					if defIface, err = c.defaultInterface(ctx); err != nil {
						return err
					}
				}
				iface = defIface
			}
			addr, _, _ := strings.Cut(a.Addr, "/")
			_, err := c.Run.Run(ctx, command.New("ifconfig", iface, fam.inet, addr, "-alias"))
			if err != nil && !strings.Contains(command.Stderr(err), "Can't assign requested address") {
				failed = append(failed, fmt.Sprintf("%s %s: %s", iface, addr, command.Stderr(err)))
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("could not remove %s", strings.Join(failed, ", "))
	}
	return nil
}

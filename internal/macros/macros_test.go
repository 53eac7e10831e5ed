package macros

import (
	"testing"
	"time"

	"github.com/oceanplexian/icingo/internal/objects"
)

func testExpander(hosts map[string]*objects.Host, svcs map[string]*objects.Service) *Expander {
	return &Expander{
		Host:    func(name string) *objects.Host { return hosts[name] },
		Service: func(name string) *objects.Service { return svcs[name] },
		Now:     func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func TestSplitCommand(t *testing.T) {
	name, args := SplitCommand("check_disk!20%!10%!/")
	if name != "check_disk" {
		t.Errorf("expected check_disk, got %q", name)
	}
	if len(args) != 3 || args[0] != "20%" || args[2] != "/" {
		t.Errorf("unexpected args: %v", args)
	}

	name, args = SplitCommand("check_ping")
	if name != "check_ping" || args != nil {
		t.Errorf("expected bare command, got %q %v", name, args)
	}
}

func TestExpander_HostMacros(t *testing.T) {
	h := &objects.Host{Address: "192.168.1.100"}
	h.Name = "webserver1"
	e := testExpander(map[string]*objects.Host{"webserver1": h}, nil)

	result := e.Expand("check_http -H $HOSTADDRESS$ -p 80", "Host", "webserver1", nil)
	expected := "check_http -H 192.168.1.100 -p 80"
	if result != expected {
		t.Errorf("got %q, want %q", result, expected)
	}
}

func TestExpander_AddressFallsBackToName(t *testing.T) {
	h := &objects.Host{}
	h.Name = "h1"
	e := testExpander(map[string]*objects.Host{"h1": h}, nil)

	result := e.Expand("ping $HOSTADDRESS$", "Host", "h1", nil)
	if result != "ping h1" {
		t.Errorf("got %q", result)
	}
}

func TestExpander_ServiceMacros(t *testing.T) {
	h := &objects.Host{Address: "10.0.0.1"}
	h.Name = "db1"
	s := &objects.Service{HostName: "db1", Description: "MySQL"}
	s.Name = objects.ServiceName("db1", "MySQL")
	s.State = objects.ServiceCritical
	e := testExpander(
		map[string]*objects.Host{"db1": h},
		map[string]*objects.Service{s.Name: s},
	)

	result := e.Expand("$HOSTADDRESS$ $SERVICEDESC$ $SERVICESTATE$", "Service", s.Name, nil)
	if result != "10.0.0.1 MySQL CRITICAL" {
		t.Errorf("got %q", result)
	}
}

func TestExpander_ARGMacros(t *testing.T) {
	e := testExpander(nil, nil)

	result := e.Expand("check_disk -w $ARG1$ -c $ARG2$ -p $ARG3$", "Host", "h1",
		[]string{"20%", "10%", "/"})
	expected := "check_disk -w 20% -c 10% -p /"
	if result != expected {
		t.Errorf("got %q, want %q", result, expected)
	}
}

func TestExpander_MissingArgIsEmpty(t *testing.T) {
	e := testExpander(nil, nil)
	result := e.Expand("x $ARG1$ y", "Host", "h1", nil)
	if result != "x  y" {
		t.Errorf("got %q", result)
	}
}

func TestExpander_DollarEscape(t *testing.T) {
	e := testExpander(nil, nil)
	result := e.Expand("echo $$ money $$", "Host", "h1", nil)
	if result != "echo $ money $" {
		t.Errorf("got %q", result)
	}
}

func TestExpander_UnknownMacroLeftAsIs(t *testing.T) {
	e := testExpander(nil, nil)
	result := e.Expand("$NONEXISTENT$", "Host", "h1", nil)
	if result != "$NONEXISTENT$" {
		t.Errorf("unknown macro should be left as-is, got %q", result)
	}
}

func TestExpander_TrailingDollar(t *testing.T) {
	e := testExpander(nil, nil)
	result := e.Expand("price is 5$", "Host", "h1", nil)
	if result != "price is 5$" {
		t.Errorf("got %q", result)
	}
}

func TestExpander_Timet(t *testing.T) {
	e := testExpander(nil, nil)
	result := e.Expand("$TIMET$", "Host", "h1", nil)
	if result != "1700000000" {
		t.Errorf("got %q", result)
	}
}

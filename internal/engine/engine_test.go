package engine

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

func TestByName(t *testing.T) {
	for _, name := range []string{"", "docker", "Docker"} {
		r, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if _, ok := r.(*Docker); !ok {
			t.Errorf("ByName(%q) = %T, want *Docker", name, r)
		}
	}

	r, err := ByName("testcontainers")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*Testcontainers); !ok {
		t.Errorf("ByName(testcontainers) = %T, want *Testcontainers", r)
	}

	if _, err := ByName("podman"); err == nil {
		t.Error("expected error for unknown runtime")
	}
}

func TestContainerName(t *testing.T) {
	a, b := ContainerName("ldap"), ContainerName("ldap")
	if !strings.HasPrefix(a, "ldap-") {
		t.Errorf("name %q lacks prefix", a)
	}
	if a == b {
		t.Errorf("names should be unique, both %q", a)
	}
}

func TestStaticAddresser(t *testing.T) {
	a := staticAddresser{host: "127.0.0.1", ports: map[int]int{1389: 40000}}
	if a.Host() != "127.0.0.1" {
		t.Errorf("Host = %q", a.Host())
	}
	p, err := a.MappedPort(1389)
	if err != nil || p != 40000 {
		t.Errorf("MappedPort(1389) = %d, %v", p, err)
	}
	if _, err := a.MappedPort(1636); err == nil {
		t.Error("expected error for unpublished port")
	}
}

func TestEnvMapToSlice(t *testing.T) {
	got := envMapToSlice(map[string]string{"B": "2", "A": "x=y"})
	sort.Strings(got)
	want := []string{"A=x=y", "B=2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBuildPortBindings(t *testing.T) {
	bindings, exposed := buildPortBindings([]int{1389, 1636}, []int{40000, 40001})

	if len(exposed) != 2 {
		t.Fatalf("exposed = %v", exposed)
	}
	b := bindings[nat.Port("1636/tcp")]
	if len(b) != 1 || b[0].HostIP != "127.0.0.1" || b[0].HostPort != "40001" {
		t.Errorf("1636 binding = %+v", b)
	}

	// No host ports: Docker picks.
	bindings, _ = buildPortBindings([]int{1389}, nil)
	if b := bindings[nat.Port("1389/tcp")]; len(b) != 1 || b[0].HostPort != "" || b[0].HostIP != "" {
		t.Errorf("unallocated binding = %+v", b)
	}
}

func TestBuildMounts(t *testing.T) {
	if buildMounts(nil) != nil {
		t.Error("expected nil for no mounts")
	}
	got := buildMounts([]Mount{{Source: "/tmp/cert.crt", Target: "/opt/cert.crt", ReadOnly: true}})
	want := mount.Mount{Type: mount.TypeBind, Source: "/tmp/cert.crt", Target: "/opt/cert.crt", ReadOnly: true}
	if len(got) != 1 || got[0] != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDaemonHost(t *testing.T) {
	tests := []struct {
		daemon string
		host   string
		remote bool
	}{
		{"unix:///var/run/docker.sock", "127.0.0.1", false},
		{"npipe:////./pipe/docker_engine", "127.0.0.1", false},
		{"tcp://localhost:2375", "127.0.0.1", false},
		{"tcp://10.0.0.5:2376", "10.0.0.5", true},
		{"", "127.0.0.1", false},
	}
	for _, tt := range tests {
		host, remote := daemonHost(tt.daemon)
		if host != tt.host || remote != tt.remote {
			t.Errorf("daemonHost(%q) = %q, %v; want %q, %v", tt.daemon, host, remote, tt.host, tt.remote)
		}
	}
}

func TestTestcontainersRequest(t *testing.T) {
	cr := testcontainersRequest(Request{
		Name:   "ldap-1",
		Image:  "bitnami/openldap:2.6.6",
		Env:    map[string]string{"LDAP_ROOT": "dc=example,dc=org"},
		Ports:  []int{1389, 1636},
		Mounts: []Mount{{Source: "/h/ca.crt", Target: "/c/ca.crt", ReadOnly: true}},
		Ready:  func(context.Context, Addresser) error { return nil },
		Stdout: &bytes.Buffer{},
	})

	if strings.Join(cr.ExposedPorts, ",") != "1389/tcp,1636/tcp" {
		t.Errorf("ExposedPorts = %v", cr.ExposedPorts)
	}
	if cr.WaitingFor == nil {
		t.Error("Ready should become the wait strategy")
	}
	if cr.LogConsumerCfg == nil || len(cr.LogConsumerCfg.Consumers) != 1 {
		t.Error("expected a log consumer")
	}
	hc := &container.HostConfig{}
	cr.HostConfigModifier(hc)
	if len(hc.Binds) != 1 || hc.Binds[0] != "/h/ca.crt:/c/ca.crt:ro" {
		t.Errorf("Binds = %v", hc.Binds)
	}
}

// fakeTarget reports fixed ports the way a started container would.
type fakeTarget struct {
	host  string
	ports map[nat.Port]nat.Port
}

func (f fakeTarget) Host(context.Context) (string, error) { return f.host, nil }

func (f fakeTarget) MappedPort(_ context.Context, p nat.Port) (nat.Port, error) {
	mp, ok := f.ports[p]
	if !ok {
		return "", errors.New("not mapped")
	}
	return mp, nil
}

func TestReadyStrategy(t *testing.T) {
	target := fakeTarget{host: "localhost", ports: map[nat.Port]nat.Port{"1389/tcp": "32768/tcp"}}

	var gotHost string
	var gotPort int
	s := readyStrategy{
		ports: []int{1389},
		ready: func(_ context.Context, a Addresser) error {
			gotHost = a.Host()
			var err error
			gotPort, err = a.MappedPort(1389)
			return err
		},
	}
	if err := resolveAndRun(s, target); err != nil {
		t.Fatal(err)
	}
	if gotHost != "localhost" || gotPort != 32768 {
		t.Errorf("ready saw %s:%d", gotHost, gotPort)
	}

	s.ports = []int{1636}
	if err := resolveAndRun(s, target); err == nil {
		t.Error("expected error for unmapped port")
	}
}

func resolveAndRun(s readyStrategy, target portTarget) error {
	addr, err := resolveTarget(context.Background(), target, s.ports)
	if err != nil {
		return err
	}
	return s.ready(context.Background(), addr)
}

func TestLogWriter(t *testing.T) {
	var stdout, stderr bytes.Buffer
	w := &logWriter{stdout: &stdout, stderr: &stderr}

	w.Accept(testcontainers.Log{LogType: testcontainers.StdoutLog, Content: []byte("slapd starting\n")})
	w.Accept(testcontainers.Log{LogType: testcontainers.StderrLog, Content: []byte("warning\n")})

	if stdout.String() != "slapd starting\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if stderr.String() != "warning\n" {
		t.Errorf("stderr = %q", stderr.String())
	}

	// Missing writer drops the line.
	(&logWriter{stdout: &stdout}).Accept(testcontainers.Log{LogType: testcontainers.StderrLog, Content: []byte("x")})
}

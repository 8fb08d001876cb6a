package access

import "testing"

func TestCheck_BothListsDisabled(t *testing.T) {
	f, err := New(Config{
		BlackList: []string{"10.0.0.1"},
		WhiteList: []string{"10.0.0.2"},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "8.8.8.8", "garbage"} {
		if got := f.Check(ip); got != Allow {
			t.Errorf("Check(%q) = %v, want allow", ip, got)
		}
	}
}

func TestCheck_BlackListWinsOverWhiteList(t *testing.T) {
	f, err := New(Config{
		EnableBlackList: true,
		EnableWhiteList: true,
		BlackList:       []string{"10.0.0.1"},
		WhiteList:       []string{"10.0.0.1", "10.0.0.2"},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		ip   string
		want Result
	}{
		{"10.0.0.1", Deny},
		{"10.0.0.2", Allow},
		{"10.0.0.3", Deny},
	}
	for _, tt := range tests {
		if got := f.Check(tt.ip); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestCheck_Patterns(t *testing.T) {
	f, err := New(Config{
		EnableBlackList: true,
		BlackList:       []string{"192.168.0.0/16", "172.16.*", "2001:db8::/32", "203.0.113.7"},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	tests := []struct {
		ip   string
		want Result
	}{
		{"192.168.4.20", Deny},
		{"192.169.0.1", Allow},
		{"172.16.9.9", Deny},
		{"172.17.0.1", Allow},
		{"2001:db8::1", Deny},
		{"2001:db9::1", Allow},
		{"203.0.113.7", Deny},
		{"::ffff:203.0.113.7", Deny},
		{"203.0.113.8", Allow},
	}
	for _, tt := range tests {
		if got := f.Check(tt.ip); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestCheck_WhiteListOnly(t *testing.T) {
	f, err := New(Config{
		EnableWhiteList: true,
		WhiteList:       []string{"10.0.0.0/8"},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if got := f.Check("10.1.2.3"); got != Allow {
		t.Errorf("Check(10.1.2.3) = %v, want allow", got)
	}
	if got := f.Check("11.1.2.3"); got != Deny {
		t.Errorf("Check(11.1.2.3) = %v, want deny", got)
	}
	if got := f.Check("not-an-ip"); got != Deny {
		t.Errorf("Check(not-an-ip) = %v, want deny", got)
	}
}

func TestNew_InvalidCIDR(t *testing.T) {
	if _, err := New(Config{BlackList: []string{"10.0.0.0/99"}}); err == nil {
		t.Error("New() with bad CIDR succeeded, want error")
	}
}

func TestReplace(t *testing.T) {
	f, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := f.Replace(Config{EnableBlackList: true, BlackList: []string{"1.2.3.4"}}); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}
	if got := f.Check("1.2.3.4"); got != Deny {
		t.Errorf("Check after replace = %v, want deny", got)
	}

	if err := f.Replace(Config{EnableBlackList: true, BlackList: []string{"bad/cidr"}}); err == nil {
		t.Fatal("Replace() with bad CIDR succeeded, want error")
	}
	if got := f.Check("1.2.3.4"); got != Deny {
		t.Errorf("failed replace changed the snapshot: Check = %v, want deny", got)
	}
}

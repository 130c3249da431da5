package models

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusAwaitingPayment, StatusPending, true},
		{StatusAwaitingPayment, StatusProcessing, true},
		{StatusAwaitingPayment, StatusAbandoned, true},
		{StatusAwaitingPayment, StatusCompleted, false},
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRefunded, true},
		{StatusRefunded, StatusFailed, false},
		{StatusAbandoned, StatusPending, false},
		// Replayed webhooks deliver the same status again; always allowed.
		{StatusCompleted, StatusCompleted, true},
		{StatusRefunded, StatusRefunded, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for status, terminal := range map[JobStatus]bool{
		StatusAwaitingPayment: false,
		StatusPending:         false,
		StatusProcessing:      false,
		StatusCompleted:       true,
		StatusFailed:          false, // refund still possible
		StatusAbandoned:       true,
		StatusRefunded:        true,
	} {
		j := Job{Status: status}
		if got := j.Terminal(); got != terminal {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, terminal)
		}
	}
}

func TestResolutionFactor(t *testing.T) {
	if Resolution4x.Factor() != 4 || Resolution8x.Factor() != 8 {
		t.Fatalf("wrong factors: 4x=%d 8x=%d", Resolution4x.Factor(), Resolution8x.Factor())
	}
	if Resolution("2x").Valid() {
		t.Fatalf("2x should not be a valid resolution")
	}
}

func validParams() CreateParams {
	return CreateParams{
		SourceURL:  "https://example.com/cat.png",
		Width:      800,
		Height:     600,
		Resolution: Resolution4x,
	}
}

func TestValidate(t *testing.T) {
	if err := validParams().Validate(); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*CreateParams)
		field  string
	}{
		{"missing image", func(p *CreateParams) { p.SourceURL = "" }, "source"},
		{"relative url", func(p *CreateParams) { p.SourceURL = "/uploads/cat.png" }, "source_url"},
		{"ftp url", func(p *CreateParams) { p.SourceURL = "ftp://example.com/cat.png" }, "source_url"},
		{"bad resolution", func(p *CreateParams) { p.Resolution = "3x" }, "resolution"},
		{"zero width", func(p *CreateParams) { p.Width = 0 }, "dimensions"},
		{"negative height", func(p *CreateParams) { p.Height = -5 }, "dimensions"},
		{"negative post", func(p *CreateParams) { p.PostID = -1 }, "post_id"},
		{"bad email", func(p *CreateParams) { p.Email = "not-an-address" }, "email"},
	}
	for _, tc := range cases {
		p := validParams()
		tc.mutate(&p)
		err := p.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		ve, ok := AsValidation(err)
		if !ok {
			t.Errorf("%s: expected ValidationError, got %T", tc.name, err)
			continue
		}
		if ve.Field != tc.field {
			t.Errorf("%s: field = %q, want %q", tc.name, ve.Field, tc.field)
		}
	}
}

func TestValidateSourcePathSkipsURLCheck(t *testing.T) {
	p := validParams()
	p.SourceURL = ""
	p.SourcePath = "/var/uploads/cat.png"
	if err := p.Validate(); err != nil {
		t.Fatalf("local source path rejected: %v", err)
	}
}

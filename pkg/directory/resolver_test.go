package directory

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Sternrassler/contact-enricher/internal/testutil"
	"github.com/Sternrassler/contact-enricher/pkg/client"
	"github.com/Sternrassler/contact-enricher/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mock     *testutil.MockDirectory
	rotator  *ratelimit.Rotator
	resolver *Resolver
}

func newFixture(t *testing.T, creds ...ratelimit.Credential) *fixture {
	t.Helper()

	mock := testutil.NewMockDirectory()
	t.Cleanup(mock.Close)

	cfg := client.DefaultConfig()
	cfg.Retry.BackoffFactor = time.Millisecond
	cfg.Logger = zerolog.Nop()
	transport, err := client.New(cfg)
	require.NoError(t, err)

	if len(creds) == 0 {
		creds = []ratelimit.Credential{"tokA", "tokB"}
	}
	rotator, err := ratelimit.NewRotator(context.Background(), transport, ratelimit.Config{
		Credentials: creds,
		QuotaURL:    mock.APIBase() + "/rate_limit",
		Sleep:       func(context.Context, time.Duration) error { return nil },
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	resolver := NewResolver(transport, rotator, Config{
		APIBaseURL: mock.APIBase(),
		RawBaseURL: mock.RawBase(),
		Logger:     zerolog.Nop(),
	})
	return &fixture{mock: mock, rotator: rotator, resolver: resolver}
}

func TestNormalizeHandle(t *testing.T) {
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "https://github.com/octocat", want: "octocat"},
		{ref: "https://github.com/octocat/", want: "octocat"},
		{ref: "http://github.com/octocat", want: "octocat"},
		{ref: "https://www.github.com/octocat", want: "octocat"},
		{ref: "HTTPS://GitHub.com/OctoCat", want: "OctoCat"},
		{ref: "https://github.com/octocat?tab=repositories", want: "octocat"},
		{ref: "https://github.com/octocat/hello-world", want: "octocat"},
		{ref: "github.com/octocat", want: "octocat"},
		{ref: "octocat", want: "octocat"},
		{ref: "  jane-doe  ", want: "jane-doe"},
		{ref: "@hubot", want: "hubot"},
		{ref: "", wantErr: true},
		{ref: "https://github.com/", wantErr: true},
		{ref: "https://github.com", wantErr: true},
		{ref: "not a handle", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := NormalizeHandle(tt.ref)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidHandle)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_ProfileEmailSkipsReadme(t *testing.T) {
	f := newFixture(t)
	f.mock.SetUser("octocat", testutil.MockUser{
		Email:  "octo@github.com",
		Readme: "other@example.com",
	})

	email, found, err := f.resolver.Resolve(context.Background(), "https://github.com/octocat")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "octo@github.com", email)

	assert.Equal(t, 1, f.mock.Hits("/rate_limit"))
	assert.Equal(t, 1, f.mock.Hits(testutil.ProfilePath("octocat")))
	assert.Equal(t, 0, f.mock.Hits(testutil.ReadmePath("octocat")), "README must not be fetched")
}

func TestResolve_ReadmeFallback(t *testing.T) {
	f := newFixture(t)
	f.mock.SetUser("jane", testutil.MockUser{
		Readme: "# Hi\ncontact: <jane.doe+dev@example.co.uk> for info\n",
	})

	email, found, err := f.resolver.Resolve(context.Background(), "jane")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "jane.doe+dev@example.co.uk", email)
	assert.Equal(t, 1, f.mock.Hits(testutil.ReadmePath("jane")))
}

func TestResolve_ReadmeWithoutAddress(t *testing.T) {
	f := newFixture(t)
	f.mock.SetUser("quiet", testutil.MockUser{Readme: "# Nothing to see"})

	email, found, err := f.resolver.Resolve(context.Background(), "quiet")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, email)
}

func TestResolve_ReadmeMissing(t *testing.T) {
	f := newFixture(t)
	f.mock.SetUser("bare", testutil.MockUser{})

	_, found, err := f.resolver.Resolve(context.Background(), "bare")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, f.mock.Hits(testutil.ReadmePath("bare")))
}

func TestResolve_ReadmeServerErrorIsAbsent(t *testing.T) {
	f := newFixture(t)
	f.mock.SetUser("flaky", testutil.MockUser{ReadmeStatus: http.StatusBadGateway})

	_, found, err := f.resolver.Resolve(context.Background(), "flaky")
	require.NoError(t, err)
	assert.False(t, found)
	// 502 is retried by the transport before giving up.
	assert.Equal(t, 4, f.mock.Hits(testutil.ReadmePath("flaky")))
}

func TestResolve_NonSuccessProfileIsAbsent(t *testing.T) {
	f := newFixture(t)

	_, found, err := f.resolver.Resolve(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, f.mock.Hits(testutil.ReadmePath("ghost")))
	assert.Equal(t, 0, f.rotator.Active(), "404 must not rotate")
}

func TestResolve_RejectedProfileRotates(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			f := newFixture(t)
			f.mock.SetUser("locked", testutil.MockUser{ProfileStatus: status, Email: "x@y.io"})

			_, found, err := f.resolver.Resolve(context.Background(), "locked")
			require.NoError(t, err)
			assert.False(t, found)
			assert.Equal(t, 1, f.rotator.Active())
			assert.Equal(t, 1, f.rotator.Rotations())
		})
	}
}

func TestResolve_LowQuotaRotatesBeforeLookup(t *testing.T) {
	f := newFixture(t)
	f.mock.SetQuota("tokA", 3)
	f.mock.SetUser("octocat", testutil.MockUser{Email: "octo@github.com"})

	_, found, err := f.resolver.Resolve(context.Background(), "octocat")
	require.NoError(t, err)
	assert.True(t, found)

	auths := f.mock.Authorizations()
	require.Len(t, auths, 2)
	assert.Equal(t, "token tokA", auths[0], "quota check uses the active credential")
	assert.Equal(t, "token tokB", auths[1], "profile lookup uses the rotated credential")
}

func TestResolve_InvalidReference(t *testing.T) {
	f := newFixture(t)

	_, found, err := f.resolver.Resolve(context.Background(), "https://github.com/")
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.False(t, found)
	assert.Equal(t, 0, f.mock.RequestCount())
}

func TestResolve_MalformedProfile(t *testing.T) {
	f := newFixture(t)
	f.mock.SetResponse(testutil.ProfilePath("broken"), testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       "<html>",
	})

	_, found, err := f.resolver.Resolve(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrMalformedProfile)
	assert.False(t, found)
}

func TestResolve_TransportFailureIsError(t *testing.T) {
	f := newFixture(t)
	f.mock.Close()

	_, found, err := f.resolver.Resolve(context.Background(), "octocat")
	assert.ErrorIs(t, err, client.ErrRetryExhausted)
	assert.False(t, found)
}

package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/practicewatch/internal/fetcher/colly"
	"github.com/JakeFAU/practicewatch/internal/monitor"
)

type searchSite struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newSearchSite(t *testing.T) *searchSite {
	t.Helper()
	site := &searchSite{hits: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("/service-search/find-a-dentist/results/SW1A1AA", func(w http.ResponseWriter, r *http.Request) {
		site.hit(r.URL.Path)
		fmt.Fprintf(w, `<html><body>
<a href="/services/dentists/smile-dental/V012345">Smile Dental</a>
<a href="/services/dentists/smile-dental/V012345/appointments">Appointments</a>
<a href="%s/services/dentist/bright-teeth/AB1234?utm=x#top"> Bright
   Teeth </a>
<a href="/services/dentists/bad/v01234">lowercase code</a>
<a href="/services/gp/surgery/V01234">gp surgery</a>
<a href="mailto:hello@example.com">mail</a>
<a rel="next" href="/results/page2">2</a>
</body></html>`, site.URL)
	})
	mux.HandleFunc("/results/page2", func(w http.ResponseWriter, r *http.Request) {
		site.hit(r.URL.Path)
		fmt.Fprint(w, `<html><body>
<a href="/services/dentists/new-smiles/V654321/opening-times" title="New Smiles"></a>
<a href="/services/dentists/smile-dental/V012345">Smile Dental</a>
<a href="/service-search/find-a-dentist/results/SW1A1AA?distance=5">Next</a>
</body></html>`)
	})
	mux.HandleFunc("/empty/SW1A1AA", func(w http.ResponseWriter, r *http.Request) {
		site.hit(r.URL.Path)
		fmt.Fprint(w, `<html><body><p>No results</p></body></html>`)
	})
	site.Server = httptest.NewServer(mux)
	t.Cleanup(site.Close)
	return site
}

func (s *searchSite) hit(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[path]++
}

func (s *searchSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func TestDiscover_FollowsPaginationAndDeduplicates(t *testing.T) {
	t.Parallel()

	site := newSearchSite(t)
	d := New(Config{BaseURL: site.URL + "/"}, collyfetcher.New(collyfetcher.Config{}), zap.NewNop())

	got := d.Discover(context.Background(), "SW1A1AA", 5)

	require.Equal(t, []monitor.CandidateRef{
		{ID: "V012345", URL: site.URL + "/services/dentists/smile-dental/V012345", DisplayName: "Smile Dental"},
		{ID: "AB1234", URL: site.URL + "/services/dentist/bright-teeth/AB1234", DisplayName: "Bright Teeth"},
		{ID: "V654321", URL: site.URL + "/services/dentists/new-smiles/V654321", DisplayName: "New Smiles"},
	}, got)
	require.Equal(t, 1, site.hitCount("/service-search/find-a-dentist/results/SW1A1AA"))
	require.Equal(t, 1, site.hitCount("/results/page2"))
}

func TestDiscover_RespectsMaxPages(t *testing.T) {
	t.Parallel()

	site := newSearchSite(t)
	d := New(Config{BaseURL: site.URL, MaxPages: 1}, collyfetcher.New(collyfetcher.Config{}), nil)

	got := d.Discover(context.Background(), "SW1A1AA", 5)
	require.Len(t, got, 2)
	require.Zero(t, site.hitCount("/results/page2"))
}

func TestDiscover_FallsBackToNextVariant(t *testing.T) {
	t.Parallel()

	site := newSearchSite(t)
	d := New(Config{
		BaseURL: site.URL,
		SearchTemplates: []string{
			"{base}/empty/{location}",
			"{base}/service-search/find-a-dentist/results/{location}?distance={radius}",
		},
	}, collyfetcher.New(collyfetcher.Config{}), nil)

	got := d.Discover(context.Background(), "SW1A1AA", 5)
	require.Len(t, got, 3)
	require.Equal(t, 1, site.hitCount("/empty/SW1A1AA"))
}

func TestDiscover_TotalFailureIsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	d := New(Config{BaseURL: srv.URL}, collyfetcher.New(collyfetcher.Config{}), nil)
	got := d.Discover(context.Background(), "SW1A1AA", 5)
	require.NotNil(t, got)
	require.Empty(t, got)
	require.Empty(t, d.Discover(context.Background(), "   ", 5))
}

func TestParseTargetLink(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://www.nhs.uk/service-search/results")
	require.NoError(t, err)

	cases := []struct {
		href   string
		wantOK bool
		wantID string
		want   string
	}{
		{"/services/dentists/a/V000001", true, "V000001", "https://www.nhs.uk/services/dentists/a/V000001"},
		{"../services/dentist/b/XY9999/appointments?x=1", true, "XY9999", "https://www.nhs.uk/services/dentist/b/XY9999"},
		{"/services/dentists/c/V123", false, "", ""},
		{"/services/dentists/c/ABC12345", false, "", ""},
		{"/services/pharmacy/c/V123456", false, "", ""},
		{"ftp://www.nhs.uk/services/dentists/a/V000001", false, "", ""},
	}
	for _, tc := range cases {
		ref, ok := parseTargetLink(base, tc.href)
		require.Equal(t, tc.wantOK, ok, tc.href)
		if ok {
			require.Equal(t, tc.wantID, ref.ID)
			require.Equal(t, tc.want, ref.URL)
		}
	}
}

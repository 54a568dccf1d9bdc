// Package retriever assembles ranked context for a question from the
// document index and the meeting service.
package retriever

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
	"github.com/xhad/dealctx/pkg/entity"
	"github.com/xhad/dealctx/pkg/meetings"
	"github.com/xhad/dealctx/pkg/metrics"
	"github.com/xhad/dealctx/pkg/retry"
	"github.com/xhad/dealctx/pkg/salesforce"
	"github.com/xhad/dealctx/pkg/store"
)

const (
	// contactEmailLimit bounds the contacts looked up for a company.
	contactEmailLimit = 20
	// maxContactSearches bounds the attendee searches per retrieval.
	maxContactSearches = 5
	// attendeeSearchLimit is the meeting limit of one attendee search.
	attendeeSearchLimit = 15
)

type Mode string

const (
	ModeGeneral Mode = "general"
	ModeCompany Mode = "company"
)

// Result is one piece of retrieved context. Meeting is set for meeting
// results and Document for chat and CRM results.
type Result struct {
	Source   models.SourceType
	Content  string
	Distance float32
	Score    float64
	Document *models.Document
	Meeting  *models.Meeting
}

// Config controls a Retriever.
type Config struct {
	// Results is the default result count.
	Results int
	// MeetingLimit caps the meetings prepended to a result list.
	MeetingLimit int
	// Overfetch multiplies the index query size in company-scoped mode,
	// where most hits are filtered away.
	Overfetch int
	// CRMCaller and MeetingCaller throttle and retry the contact lookup
	// and the meeting searches.
	CRMCaller     retry.Caller
	MeetingCaller retry.Caller
	Metrics       *metrics.Metrics
}

// Retriever is the multi-source retriever. crm and meetings may be nil.
type Retriever struct {
	index    *store.Index
	cache    *entity.Cache
	crm      types.CRM
	meetings types.MeetingSearch
	config   Config
	logger   *zap.Logger
}

func New(index *store.Index, cache *entity.Cache, crm types.CRM, search types.MeetingSearch, config Config, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Results <= 0 {
		config.Results = 10
	}
	if config.MeetingLimit <= 0 {
		config.MeetingLimit = 5
	}
	if config.Overfetch <= 0 {
		config.Overfetch = 5
	}
	return &Retriever{
		index:    index,
		cache:    cache,
		crm:      crm,
		meetings: search,
		config:   config,
		logger:   logger,
	}
}

// Retrieve returns up to n results for query, meetings first and then chat
// and CRM documents by ascending distance. When company is empty, a known
// company named in the query scopes the retrieval; a scoped retrieval only
// returns data that references that company. Collaborator failures reduce
// the result set and are logged; they never fail the call.
func (r *Retriever) Retrieve(ctx context.Context, query string, n int, company string) []Result {
	start := time.Now()
	if n <= 0 {
		n = r.config.Results
	}

	company = strings.ToLower(strings.TrimSpace(company))
	if company == "" {
		company = DetectCompany(r.cache.Snapshot(), query)
	}
	mode := ModeGeneral
	if company != "" {
		mode = ModeCompany
	}

	var docs []Result
	var meets []Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if mode == ModeCompany {
			docs = r.scopedDocuments(gctx, query, n, company)
		} else {
			docs = r.documents(gctx, query, n)
		}
		return nil
	})
	g.Go(func() error {
		if mode == ModeCompany {
			meets = r.companyMeetings(gctx, company)
		} else {
			meets = r.queryMeetings(gctx, query)
		}
		return nil
	})
	_ = g.Wait()

	out := Merge(meets, docs, n)

	r.config.Metrics.Retrieval(string(mode), time.Since(start).Seconds())
	r.config.Metrics.Results(string(models.SourceMeeting), len(meets))
	r.config.Metrics.Results("documents", len(docs))
	r.logger.Info("retrieval complete",
		zap.String("mode", string(mode)),
		zap.String("company", company),
		zap.Int("meetings", len(meets)),
		zap.Int("documents", len(docs)),
		zap.Int("returned", len(out)))
	return out
}

// Merge prepends meetings to docs and truncates the list to n.
func Merge(meets, docs []Result, n int) []Result {
	out := make([]Result, 0, len(meets)+len(docs))
	out = append(out, meets...)
	out = append(out, docs...)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// DetectCompany returns the longest known company named in query.
func DetectCompany(snap *entity.Snapshot, query string) string {
	q := strings.ToLower(query)
	best := ""
	for _, c := range snap.Companies {
		if len(c) > len(best) && strings.Contains(q, c) {
			best = c
		}
	}
	return best
}

func (r *Retriever) documents(ctx context.Context, query string, n int) []Result {
	hits, err := r.index.Query(ctx, query, n, nil)
	if err != nil {
		r.logger.Error("index query failed", zap.Error(err))
		return nil
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		doc, err := h.Document()
		if err != nil {
			r.logger.Warn("skipping document with malformed metadata", zap.Error(err))
			continue
		}
		out = append(out, docResult(doc, h.Distance))
	}
	return out
}

// scopedDocuments over-fetches from the index and keeps the documents that
// reference company, together with the chat of channels dedicated to it.
func (r *Retriever) scopedDocuments(ctx context.Context, query string, n int, company string) []Result {
	variations := meetings.CompanyVariations(company)

	seen := make(map[string]struct{})
	var out []Result
	for _, where := range []map[string]string{
		nil,
		store.Where(models.KeyDedicatedCompany, company),
	} {
		hits, err := r.index.Query(ctx, query, n*r.config.Overfetch, where)
		if err != nil {
			r.logger.Error("index query failed", zap.String("company", company), zap.Error(err))
			continue
		}
		for _, h := range hits {
			if _, dup := seen[h.ID]; dup {
				continue
			}
			doc, err := h.Document()
			if err != nil {
				r.logger.Warn("skipping document with malformed metadata", zap.Error(err))
				continue
			}
			if !References(doc, company, variations) {
				continue
			}
			seen[h.ID] = struct{}{}
			out = append(out, docResult(doc, h.Distance))
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// References reports whether doc is associated with company through its
// entity tags, its channel or account, or an explicit mention in its text.
func References(doc models.Document, company string, variations []string) bool {
	m := doc.Metadata
	switch {
	case m.Entities.HasCompany(company), m.ThreadEntities.HasCompany(company):
		return true
	case m.DedicatedCompany == company:
		return true
	case m.AccountName != "" && strings.EqualFold(m.AccountName, company):
		return true
	}
	content := strings.ToLower(doc.Content)
	for _, v := range variations {
		if len(v) >= entity.MinNameLength && strings.Contains(content, v) {
			return true
		}
	}
	return false
}

// companyMeetings finds meetings attended by the company's CRM contacts and
// supplements them with meetings whose text names the company.
func (r *Retriever) companyMeetings(ctx context.Context, company string) []Result {
	if r.meetings == nil {
		return nil
	}

	var emails []string
	if r.crm != nil {
		err := r.config.CRMCaller.Call(ctx, func(ctx context.Context) error {
			var err error
			emails, err = salesforce.ContactEmails(ctx, r.crm, company, contactEmailLimit)
			return err
		})
		if err != nil {
			r.logger.Warn("contact lookup failed", zap.String("company", company), zap.Error(err))
		}
	}
	if len(emails) > maxContactSearches {
		emails = emails[:maxContactSearches]
	}

	var mu sync.Mutex
	byContact := make([][]models.Meeting, len(emails))
	var byName []models.Meeting

	g, gctx := errgroup.WithContext(ctx)
	for i, email := range emails {
		g.Go(func() error {
			ms, err := r.searchMeetings(gctx, func(ctx context.Context) ([]models.Meeting, error) {
				return r.meetings.SearchByAttendeeEmail(ctx, email, attendeeSearchLimit)
			})
			if err != nil {
				r.logger.Warn("attendee meeting search failed", zap.String("email", email), zap.Error(err))
				return nil
			}
			mu.Lock()
			byContact[i] = ms
			mu.Unlock()
			return nil
		})
	}
	g.Go(func() error {
		ms, err := r.searchMeetings(gctx, func(ctx context.Context) ([]models.Meeting, error) {
			return r.meetings.SearchByQuery(ctx, company, attendeeSearchLimit)
		})
		if err != nil {
			r.logger.Warn("meeting name search failed", zap.String("company", company), zap.Error(err))
			return nil
		}
		variations := meetings.CompanyVariations(company)
		var kept []models.Meeting
		for _, m := range ms {
			if meetings.MentionsCompany(m, variations) {
				kept = append(kept, m)
			}
		}
		mu.Lock()
		byName = kept
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	var all []models.Meeting
	for _, ms := range byContact {
		all = append(all, ms...)
	}
	all = append(all, byName...)

	all = meetings.Dedup(all)
	meetings.SortByRecency(all)
	return r.meetingResults(all, nil)
}

func (r *Retriever) searchMeetings(ctx context.Context, search func(ctx context.Context) ([]models.Meeting, error)) ([]models.Meeting, error) {
	var ms []models.Meeting
	err := r.config.MeetingCaller.Call(ctx, func(ctx context.Context) error {
		var err error
		ms, err = search(ctx)
		return err
	})
	return ms, err
}

// queryMeetings searches meetings by the query text and ranks them by
// weighted term overlap.
func (r *Retriever) queryMeetings(ctx context.Context, query string) []Result {
	if r.meetings == nil {
		return nil
	}
	terms := meetings.Terms(query)
	if len(terms) == 0 {
		return nil
	}

	ms, err := r.searchMeetings(ctx, func(ctx context.Context) ([]models.Meeting, error) {
		return r.meetings.SearchByQuery(ctx, query, r.config.MeetingLimit)
	})
	if err != nil {
		r.logger.Warn("meeting search failed", zap.Error(err))
		return nil
	}
	ms = meetings.Dedup(ms)

	scores := make(map[int]float64, len(ms))
	kept := ms[:0]
	for _, m := range ms {
		if s := meetings.Score(m, terms); s > 0 {
			scores[len(kept)] = s
			kept = append(kept, m)
		}
	}

	idx := make([]int, len(kept))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	ordered := make([]models.Meeting, len(kept))
	ranked := make([]float64, len(kept))
	for i, j := range idx {
		ordered[i] = kept[j]
		ranked[i] = scores[j]
	}
	return r.meetingResults(ordered, ranked)
}

func (r *Retriever) meetingResults(ms []models.Meeting, scores []float64) []Result {
	if len(ms) > r.config.MeetingLimit {
		ms = ms[:r.config.MeetingLimit]
	}
	out := make([]Result, len(ms))
	for i := range ms {
		m := ms[i]
		out[i] = Result{
			Source:  models.SourceMeeting,
			Content: meetings.FormatContext(m),
			Meeting: &m,
		}
		if scores != nil {
			out[i].Score = scores[i]
		}
	}
	return out
}

func docResult(doc models.Document, distance float32) Result {
	return Result{
		Source:   doc.Metadata.SourceType,
		Content:  doc.Content,
		Distance: distance,
		Document: &doc,
	}
}

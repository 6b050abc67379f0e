package services

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"convcore/internal/data/embedded"
	"convcore/internal/logger"
	"convcore/pkg/convtypes"
)

// Profile is the portfolio owner's profile and project list.
type Profile struct {
	Owner    ProfileOwner     `yaml:"owner"`
	Projects []ProfileProject `yaml:"projects"`
}

// ProfileOwner describes who the assistant speaks for.
type ProfileOwner struct {
	Name    string `yaml:"name"`
	Title   string `yaml:"title"`
	Summary string `yaml:"summary"`
}

// ProfileProject is one portfolio project. ID doubles as its navigation target.
type ProfileProject struct {
	ID      string   `yaml:"id"`
	Title   string   `yaml:"title"`
	Summary string   `yaml:"summary"`
	Tags    []string `yaml:"tags"`
	URL     string   `yaml:"url,omitempty"`
}

// ProjectRetriever ranks project ids by relevance to a query.
type ProjectRetriever interface {
	SearchProjects(ctx context.Context, query string, limit int) ([]string, error)
}

// ProjectContextOptions configures ProjectContextService.
type ProjectContextOptions struct {
	ProfilePath string        // Empty uses the embedded default profile
	CacheTTL    time.Duration // Zero disables caching
	MaxProjects int
	Retriever   ProjectRetriever
	Now         func() time.Time
}

type cachedContext struct {
	text    string
	expires time.Time
}

// ProjectContextService implements ContextProvider over a portfolio profile.
// Results are cached per session and query, and concurrent identical builds
// are collapsed into one.
type ProjectContextService struct {
	opts    ProjectContextOptions
	profile *Profile

	mu        sync.Mutex
	cache     map[string]cachedContext
	nextSweep time.Time
	group     singleflight.Group
}

// NewProjectContextService creates the service. Call Initialize before use.
func NewProjectContextService(opts ProjectContextOptions) *ProjectContextService {
	if opts.MaxProjects <= 0 {
		opts.MaxProjects = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ProjectContextService{
		opts:  opts,
		cache: make(map[string]cachedContext),
	}
}

// Name returns the service name "project_context" for registration.
func (s *ProjectContextService) Name() string {
	return "project_context"
}

// Initialize loads the profile.
func (s *ProjectContextService) Initialize() error {
	data := embedded.DefaultProfileData
	if s.opts.ProfilePath != "" {
		fileData, err := os.ReadFile(s.opts.ProfilePath)
		if err != nil {
			return fmt.Errorf("failed to read profile: %w", err)
		}
		data = fileData
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}
	for i, project := range profile.Projects {
		if project.ID == "" {
			return fmt.Errorf("profile project %d has empty id", i)
		}
	}

	s.profile = &profile
	logger.ServiceOperation("project_context", "initialize", "projects", len(profile.Projects))
	return nil
}

// Profile returns the loaded profile.
func (s *ProjectContextService) Profile() *Profile {
	return s.profile
}

// BuildContextWithCaching implements ContextProvider.
func (s *ProjectContextService) BuildContextWithCaching(ctx context.Context, sessionID string, opts convtypes.ContextOptions) (*convtypes.ContextResult, error) {
	if s.profile == nil {
		return nil, fmt.Errorf("project context service not initialized")
	}

	maxProjects := opts.MaxProjects
	if maxProjects <= 0 {
		maxProjects = s.opts.MaxProjects
	}
	includeProfile := opts.IncludeProfile == nil || *opts.IncludeProfile
	key := strings.Join([]string{
		sessionID,
		strings.ToLower(strings.TrimSpace(opts.Query)),
		strconv.Itoa(maxProjects),
		strconv.FormatBool(includeProfile),
	}, "\x00")

	if !opts.SkipCache {
		if text, ok := s.lookup(key); ok {
			logger.Debug("Context cache hit", "session", sessionID)
			return &convtypes.ContextResult{Context: text, FromCache: true}, nil
		}
	}

	// Every caller of key shares the build; it runs detached from their cancellation.
	buildCtx := context.WithoutCancel(ctx)
	results := s.group.DoChan(key, func() (any, error) {
		text, err := s.build(buildCtx, opts.Query, maxProjects, includeProfile)
		if err != nil {
			return "", err
		}
		s.store(key, text)
		return text, nil
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return &convtypes.ContextResult{Context: res.Val.(string)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvalidateCache drops every cached context.
func (s *ProjectContextService) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedContext)
}

func (s *ProjectContextService) lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		return "", false
	}
	if !s.opts.Now().Before(entry.expires) {
		delete(s.cache, key)
		return "", false
	}
	return entry.text, true
}

func (s *ProjectContextService) store(key, text string) {
	if s.opts.CacheTTL <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	if !now.Before(s.nextSweep) {
		for k, entry := range s.cache {
			if !now.Before(entry.expires) {
				delete(s.cache, k)
			}
		}
		s.nextSweep = now.Add(s.opts.CacheTTL)
	}
	s.cache[key] = cachedContext{text: text, expires: now.Add(s.opts.CacheTTL)}
}

// cacheLen reports how many entries are held, expired or not.
func (s *ProjectContextService) cacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// build renders the owner summary and the most relevant projects.
func (s *ProjectContextService) build(ctx context.Context, query string, maxProjects int, includeProfile bool) (string, error) {
	projects, err := s.selectProjects(ctx, query, maxProjects)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if includeProfile && s.profile.Owner.Name != "" {
		owner := s.profile.Owner
		fmt.Fprintf(&b, "About %s", owner.Name)
		if owner.Title != "" {
			fmt.Fprintf(&b, " (%s)", owner.Title)
		}
		if owner.Summary != "" {
			fmt.Fprintf(&b, ": %s", owner.Summary)
		}
		b.WriteString("\n")
	}

	if len(projects) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Relevant projects:\n")
		for _, project := range projects {
			fmt.Fprintf(&b, "- %s [target: %s]: %s", project.Title, project.ID, project.Summary)
			if len(project.Tags) > 0 {
				fmt.Fprintf(&b, " (tags: %s)", strings.Join(project.Tags, ", "))
			}
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

// selectProjects asks the retriever first and falls back to keyword scoring.
func (s *ProjectContextService) selectProjects(ctx context.Context, query string, limit int) ([]ProfileProject, error) {
	if s.opts.Retriever != nil && strings.TrimSpace(query) != "" {
		ids, err := s.opts.Retriever.SearchProjects(ctx, query, limit)
		if err == nil && len(ids) > 0 {
			return s.projectsByID(ids, limit), nil
		}
		if err != nil {
			logger.Warn("Project retrieval failed, using keyword match", "error", err)
		}
	}
	return s.keywordMatch(query, limit), nil
}

func (s *ProjectContextService) projectsByID(ids []string, limit int) []ProfileProject {
	index := make(map[string]ProfileProject, len(s.profile.Projects))
	for _, project := range s.profile.Projects {
		index[project.ID] = project
	}

	var result []ProfileProject
	for _, id := range ids {
		if project, ok := index[id]; ok {
			result = append(result, project)
			if len(result) == limit {
				break
			}
		}
	}
	return result
}

// keywordMatch ranks projects by query term hits. With no hits, the first
// projects in profile order are returned so the model always has something.
func (s *ProjectContextService) keywordMatch(query string, limit int) []ProfileProject {
	terms := strings.Fields(strings.ToLower(query))

	type scored struct {
		project ProfileProject
		score   int
	}
	var ranked []scored
	for _, project := range s.profile.Projects {
		haystack := strings.ToLower(project.ID + " " + project.Title + " " + project.Summary + " " + strings.Join(project.Tags, " "))
		score := 0
		for _, term := range terms {
			term = strings.Trim(term, ".,!?;:'\"()")
			if len(term) < 3 {
				continue
			}
			if strings.Contains(haystack, term) {
				score++
			}
		}
		ranked = append(ranked, scored{project: project, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	var result []ProfileProject
	for _, r := range ranked {
		if len(result) == limit {
			break
		}
		result = append(result, r.project)
	}
	return result
}

// Package changelog turns the git history of a repository into changelog entries.
package changelog

import (
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	DefaultLimit = 50
	maxEntries   = 500
	cacheTTL     = 5 * time.Minute
)

const (
	CategoryFeature     = "feature"
	CategoryBugfix      = "bugfix"
	CategoryPerformance = "performance"
	CategorySecurity    = "security"
	CategoryDocs        = "docs"
	CategoryRefactor    = "refactor"
	CategoryChore       = "chore"
	CategoryOther       = "other"
)

var (
	conventionalTitle = regexp.MustCompile(`^([a-zA-Z]+)(?:\(([^)]*)\))?(!)?:\s*(.+)$`)
	mergeTitle        = regexp.MustCompile(`^Merge (?:branch|pull request) '?([^'\s]+)'?(?: into '?([^'\n]+?)'?)?$`)
)

type FileChange struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

type Merge struct {
	FromBranch string `json:"fromBranch"`
	IntoBranch string `json:"intoBranch"`
}

type Entry struct {
	Hash        string       `json:"hash"`
	ShortHash   string       `json:"shortHash"`
	Title       string       `json:"title"`
	Body        string       `json:"body,omitempty"`
	Category    string       `json:"category"`
	Scope       string       `json:"scope,omitempty"`
	Breaking    bool         `json:"breaking"`
	Author      string       `json:"author"`
	AuthorEmail string       `json:"authorEmail"`
	Date        time.Time    `json:"date"`
	Additions   int          `json:"additions"`
	Deletions   int          `json:"deletions"`
	Files       []FileChange `json:"files"`
	Merge       *Merge       `json:"merge,omitempty"`
}

type Service struct {
	repoPath string
	now      func() time.Time

	mu       sync.Mutex
	cached   []Entry
	cachedAt time.Time
}

func New(repoPath string) *Service {
	return &Service{repoPath: repoPath, now: time.Now}
}

// Entries returns up to limit commits from HEAD, newest first.
func (s *Service) Entries(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > maxEntries {
		limit = maxEntries
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil || s.now().Sub(s.cachedAt) >= cacheTTL {
		entries, err := s.readLog(maxEntries)
		if err != nil {
			return nil, err
		}
		s.cached = entries
		s.cachedAt = s.now()
	}

	if len(s.cached) < limit {
		limit = len(s.cached)
	}
	out := make([]Entry, limit)
	copy(out, s.cached[:limit])
	return out, nil
}

// Entry finds a single commit by full or short hash.
func (s *Service) Entry(hash string) (Entry, bool, error) {
	entries, err := s.Entries(maxEntries)
	if err != nil {
		return Entry{}, false, err
	}
	for _, entry := range entries {
		if entry.Hash == hash || entry.ShortHash == hash {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

// Invalidate drops the cached history.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *Service) readLog(limit int) ([]Entry, error) {
	repo, err := git.PlainOpenWithOptions(s.repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		entry, err := toEntry(commitObj)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		if len(entries) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return entries, nil
}

func toEntry(commitObj *object.Commit) (Entry, error) {
	title, body := splitMessage(commitObj.Message)
	category, scope, breaking := Categorize(title)
	if strings.Contains(body, "BREAKING CHANGE") {
		breaking = true
	}

	entry := Entry{
		Hash:        commitObj.Hash.String(),
		ShortHash:   commitObj.Hash.String()[:7],
		Title:       title,
		Body:        body,
		Category:    category,
		Scope:       scope,
		Breaking:    breaking,
		Author:      commitObj.Author.Name,
		AuthorEmail: commitObj.Author.Email,
		Date:        commitObj.Author.When.UTC(),
		Files:       []FileChange{},
	}
	if commitObj.NumParents() > 1 {
		entry.Merge = parseMerge(title)
	}

	stats, err := commitObj.Stats()
	if err != nil {
		return Entry{}, fmt.Errorf("stats for %s: %w", entry.ShortHash, err)
	}
	for _, file := range stats {
		entry.Additions += file.Addition
		entry.Deletions += file.Deletion
		entry.Files = append(entry.Files, FileChange{Filename: file.Name, Additions: file.Addition, Deletions: file.Deletion})
	}
	return entry, nil
}

func splitMessage(message string) (string, string) {
	message = strings.TrimSpace(message)
	title, body, _ := strings.Cut(message, "\n")
	return strings.TrimSpace(title), strings.TrimSpace(body)
}

// Categorize maps a conventional-commit title to a changelog category.
func Categorize(title string) (category, scope string, breaking bool) {
	match := conventionalTitle.FindStringSubmatch(strings.TrimSpace(title))
	if match == nil {
		return CategoryOther, "", false
	}
	scope = match[2]
	breaking = match[3] == "!"
	switch strings.ToLower(match[1]) {
	case "feat", "feature":
		category = CategoryFeature
	case "fix", "bugfix", "hotfix":
		category = CategoryBugfix
	case "perf":
		category = CategoryPerformance
	case "sec", "security":
		category = CategorySecurity
	case "docs", "doc":
		category = CategoryDocs
	case "refactor":
		category = CategoryRefactor
	case "chore", "build", "ci", "test", "style":
		category = CategoryChore
	default:
		category = CategoryOther
	}
	return category, scope, breaking
}

func parseMerge(title string) *Merge {
	match := mergeTitle.FindStringSubmatch(title)
	if match == nil {
		return nil
	}
	into := match[2]
	if into == "" {
		into = "main"
	}
	return &Merge{FromBranch: match[1], IntoBranch: into}
}

type Contributor struct {
	Name    string `json:"name"`
	Commits int    `json:"commits"`
}

type FileChurn struct {
	Filename string `json:"filename"`
	Changes  int    `json:"changes"`
}

type DayCount struct {
	Date    string `json:"date"`
	Commits int    `json:"commits"`
}

type Stats struct {
	TotalCommits         int            `json:"totalCommits"`
	TotalAdditions       int            `json:"totalAdditions"`
	TotalDeletions       int            `json:"totalDeletions"`
	TopContributors      []Contributor  `json:"topContributors"`
	MostChangedFiles     []FileChurn    `json:"mostChangedFiles"`
	Languages            map[string]int `json:"languageDistribution"`
	ByCategory           map[string]int `json:"byCategory"`
	AverageCommitsPerDay float64        `json:"averageCommitsPerDay"`
	CommitTrend          []DayCount     `json:"commitTrend"`
}

// Summarize aggregates commit statistics over entries.
func Summarize(entries []Entry) Stats {
	stats := Stats{
		TotalCommits: len(entries),
		Languages:    map[string]int{},
		ByCategory:   map[string]int{},
	}
	contributors := map[string]int{}
	files := map[string]int{}
	days := map[string]int{}

	for _, entry := range entries {
		stats.TotalAdditions += entry.Additions
		stats.TotalDeletions += entry.Deletions
		stats.ByCategory[entry.Category]++

		author := entry.Author
		if author == "" {
			author = "Unknown"
		}
		contributors[author]++
		days[entry.Date.Format("2006-01-02")]++

		for _, file := range entry.Files {
			changes := file.Additions + file.Deletions
			files[file.Filename] += changes
			ext := strings.TrimPrefix(path.Ext(file.Filename), ".")
			if ext == "" {
				ext = "unknown"
			}
			stats.Languages[ext] += changes
		}
	}

	for name, commits := range contributors {
		stats.TopContributors = append(stats.TopContributors, Contributor{Name: name, Commits: commits})
	}
	sort.Slice(stats.TopContributors, func(i, j int) bool {
		if stats.TopContributors[i].Commits != stats.TopContributors[j].Commits {
			return stats.TopContributors[i].Commits > stats.TopContributors[j].Commits
		}
		return stats.TopContributors[i].Name < stats.TopContributors[j].Name
	})

	for filename, changes := range files {
		stats.MostChangedFiles = append(stats.MostChangedFiles, FileChurn{Filename: filename, Changes: changes})
	}
	sort.Slice(stats.MostChangedFiles, func(i, j int) bool {
		if stats.MostChangedFiles[i].Changes != stats.MostChangedFiles[j].Changes {
			return stats.MostChangedFiles[i].Changes > stats.MostChangedFiles[j].Changes
		}
		return stats.MostChangedFiles[i].Filename < stats.MostChangedFiles[j].Filename
	})
	if len(stats.MostChangedFiles) > 10 {
		stats.MostChangedFiles = stats.MostChangedFiles[:10]
	}

	for date, commits := range days {
		stats.CommitTrend = append(stats.CommitTrend, DayCount{Date: date, Commits: commits})
	}
	sort.Slice(stats.CommitTrend, func(i, j int) bool {
		return stats.CommitTrend[i].Date < stats.CommitTrend[j].Date
	})
	if len(days) > 0 {
		stats.AverageCommitsPerDay = float64(len(entries)) / float64(len(days))
	}
	return stats
}

package ghcache

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pumas-run/pumas/internal/jsonstore"
	"github.com/pumas-run/pumas/internal/perrors"
)

type diskDocument struct {
	Repo        string        `json:"repo"`
	Releases    []Release     `json:"releases"`
	LastFetched time.Time     `json:"last_fetched"`
	TTL         time.Duration `json:"ttl"`
}

func (d diskDocument) fresh(now time.Time) bool {
	return now.Before(d.LastFetched.Add(d.TTL))
}

var repoSafeRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func repoSafeName(repo string) string {
	return repoSafeRe.ReplaceAllString(repo, "-")
}

func diskPath(dir, repo string) string {
	return filepath.Join(dir, "github-releases-"+repoSafeName(repo)+".json")
}

func readDisk(dir, repo string) (*diskDocument, error) {
	return jsonstore.Read[diskDocument](diskPath(dir, repo))
}

func writeDisk(dir, repo string, releases []Release, fetchedAt time.Time, ttl time.Duration) error {
	doc := diskDocument{Repo: repo, Releases: releases, LastFetched: fetchedAt, TTL: ttl}
	return jsonstore.Write(diskPath(dir, repo), doc, false)
}

func removeDisk(dir, repo string) error {
	err := os.Remove(diskPath(dir, repo))
	if err != nil && !os.IsNotExist(err) {
		return perrors.Io("ghcache.removeDisk", diskPath(dir, repo), err)
	}
	return nil
}

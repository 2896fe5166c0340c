package nzb

import (
	"html"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/datallboy/newsflow/internal/engine"
)

var (
	reYenc    = regexp.MustCompile(`(?i)\s+yenc.*$`)
	reCounter = regexp.MustCompile(`^\[\d+/\d+\]\s+`)
	reParts   = regexp.MustCompile(`\s*\(\d+/\d+\)\s*$`)
	badChars  = regexp.MustCompile(`[\\/:*?"<>|]`)
)

// FileName guesses the name of the posted file from a subject line. The
// quoted part wins; otherwise counters and the yEnc suffix are stripped.
func FileName(subject string) string {
	res := html.UnescapeString(subject)

	first := strings.Index(res, "\"")
	last := strings.LastIndex(res, "\"")
	if first != -1 && first < last {
		res = res[first+1 : last]
	} else {
		res = reYenc.ReplaceAllString(res, "")
		res = reCounter.ReplaceAllString(res, "")
		res = reParts.ReplaceAllString(res, "")
	}
	return strings.TrimSpace(badChars.ReplaceAllString(res, "_"))
}

// MessageID puts angle brackets around id if it has none.
func MessageID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") {
		return id
	}
	return "<" + strings.Trim(id, "<>") + ">"
}

// Download turns the NZB into an engine job for account. desc defaults to
// the NZB title, or the name of the first file.
func (m *Model) Download(account int, path, desc string) engine.Download {
	if desc == "" {
		desc = m.Meta("title")
	}
	d := engine.Download{Account: account, Path: path, Desc: desc}
	for _, f := range m.Files {
		df := engine.DownloadFile{
			Name:   FileName(f.Subject),
			Size:   f.Size(),
			Groups: f.Groups,
		}
		for _, s := range f.Segments {
			df.Articles = append(df.Articles, MessageID(s.MessageID))
		}
		d.Files = append(d.Files, df)
	}
	if d.Desc == "" && len(d.Files) > 0 {
		d.Desc = strings.TrimSuffix(d.Files[0].Name, filepath.Ext(d.Files[0].Name))
	}
	return d
}

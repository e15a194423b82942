// Package tutorial holds the practice catalog and the coach that scores a
// practice attempt against the recognizer.
package tutorial

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"islrecognizer/db"
	"islrecognizer/ml"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

var ErrUnknownItem = errors.New("unknown practice item")

// DriveEmbedURL returns the embeddable preview URL of a Google Drive file.
func DriveEmbedURL(fileID string) string {
	return "https://drive.google.com/file/d/" + fileID + "/preview"
}

// Item is one sign to practice.
type Item struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Category    string `json:"category"`
	Level       string `json:"level"`
	Description string `json:"description"`
	VideoURL    string `json:"video_url"`
}

type Level struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// Model is the base path of the classifier trained on this level's labels.
	Model      string   `json:"model"`
	Categories []string `json:"categories"`
	Items      []Item   `json:"items"`
}

type Catalog struct {
	levels []*Level
	items  map[string]Item
}

type catalogFile struct {
	Levels []struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Model       string `yaml:"model"`
		Categories  []struct {
			Name     string `yaml:"name"`
			Describe string `yaml:"describe"`
			Items    []struct {
				Label string `yaml:"label"`
				Drive string `yaml:"drive"`
			} `yaml:"items"`
		} `yaml:"categories"`
	} `yaml:"levels"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(embeddedCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file, or returns the built-in one when path is
// empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Levels) == 0 {
		return nil, errors.New("catalog has no levels")
	}

	c := &Catalog{items: make(map[string]Item)}
	seenLevels := make(map[string]bool)
	for _, fl := range f.Levels {
		if fl.ID == "" {
			return nil, errors.New("level without id")
		}
		if seenLevels[fl.ID] {
			return nil, fmt.Errorf("duplicate level %q", fl.ID)
		}
		seenLevels[fl.ID] = true

		level := &Level{ID: fl.ID, Name: fl.Name, Description: fl.Description, Model: fl.Model}
		for _, fc := range fl.Categories {
			level.Categories = append(level.Categories, fc.Name)
			for _, fi := range fc.Items {
				if strings.TrimSpace(fi.Label) == "" {
					return nil, fmt.Errorf("level %q: item without label", fl.ID)
				}
				item := Item{
					ID:          ItemID(fc.Name, fi.Label),
					Label:       fi.Label,
					Category:    fc.Name,
					Level:       fl.ID,
					Description: describe(fc.Describe, fi.Label),
				}
				if fi.Drive != "" {
					item.VideoURL = DriveEmbedURL(fi.Drive)
				}
				if _, dup := c.items[item.ID]; dup {
					return nil, fmt.Errorf("duplicate item %q", item.ID)
				}
				level.Items = append(level.Items, item)
				c.items[item.ID] = item
			}
		}
		c.levels = append(c.levels, level)
	}
	return c, nil
}

// ItemID derives the stable id of an item, e.g. "phrases-thank-you".
func ItemID(category, label string) string {
	key := ml.NormalizeLabel(category + " " + label)
	return strings.ReplaceAll(key, " ", "-")
}

func describe(template, label string) string {
	if template == "" {
		return fmt.Sprintf("Hand sign for %q", label)
	}
	return strings.ReplaceAll(template, "{label}", label)
}

func (c *Catalog) Levels() []Level {
	out := make([]Level, len(c.levels))
	for i, l := range c.levels {
		out[i] = *l
	}
	return out
}

func (c *Catalog) Level(id string) (Level, bool) {
	for _, l := range c.levels {
		if l.ID == id {
			return *l, true
		}
	}
	return Level{}, false
}

func (c *Catalog) Item(id string) (Item, bool) {
	item, ok := c.items[id]
	return item, ok
}

// LevelProgress summarizes completed items of one level.
type LevelProgress struct {
	Level     string   `json:"level"`
	Completed int      `json:"completed"`
	Total     int      `json:"total"`
	Percent   int      `json:"percent"`
	Items     []string `json:"completed_items"`
}

// Progress computes completed/total*100 for level from the stored progress
// rows. Rows for items no longer in the catalog are ignored.
func (c *Catalog) Progress(level string, rows []db.Progress) (LevelProgress, error) {
	l, ok := c.Level(level)
	if !ok {
		return LevelProgress{}, fmt.Errorf("unknown level %q", level)
	}
	inLevel := make(map[string]bool, len(l.Items))
	for _, item := range l.Items {
		inLevel[item.ID] = true
	}

	p := LevelProgress{Level: level, Total: len(l.Items), Items: []string{}}
	for _, row := range rows {
		if inLevel[row.ItemID] {
			inLevel[row.ItemID] = false
			p.Completed++
			p.Items = append(p.Items, row.ItemID)
		}
	}
	if p.Total > 0 {
		p.Percent = p.Completed * 100 / p.Total
	}
	return p, nil
}

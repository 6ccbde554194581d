package substack

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lh20005/geo-xi-tong-sub013/internal/service/publisher"
)

// Document is the ProseMirror document stored as a draft body.
type Document struct {
	Type    string `json:"type"`
	Content []Node `json:"content"`
}

type Node struct {
	Type    string                 `json:"type"`
	Content []Node                 `json:"content,omitempty"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
	Marks   []Mark                 `json:"marks,omitempty"`
	Text    string                 `json:"text,omitempty"`
}

type Mark struct {
	Type  string                 `json:"type"`
	Attrs map[string]interface{} `json:"attrs,omitempty"`
}

// BuildDocument converts an article body into a draft document. Lines starting
// with '#' become headings, "- " lines become bullet lists and blank lines
// separate paragraphs. The media reference, when present, leads the post.
func BuildDocument(article publisher.Article) Document {
	doc := Document{Type: "doc"}
	if article.MediaURL != "" {
		doc.Content = append(doc.Content, imageNode(article.MediaURL, article.Title))
	}

	var bullets []Node
	flush := func() {
		if len(bullets) > 0 {
			doc.Content = append(doc.Content, Node{Type: "bullet_list", Content: bullets})
			bullets = nil
		}
	}

	for _, line := range strings.Split(article.Body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			bullets = append(bullets, Node{Type: "list_item", Content: []Node{paragraph(line[2:])}})
		case strings.HasPrefix(line, "#"):
			flush()
			level := len(line) - len(strings.TrimLeft(line, "#"))
			if level > 6 {
				level = 6
			}
			doc.Content = append(doc.Content, Node{
				Type:    "heading",
				Attrs:   map[string]interface{}{"level": level},
				Content: []Node{{Type: "text", Text: strings.TrimSpace(line[level:])}},
			})
		default:
			flush()
			doc.Content = append(doc.Content, paragraph(line))
		}
	}
	flush()
	return doc
}

func (d Document) JSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to serialize document: %w", err)
	}
	return string(data), nil
}

func paragraph(text string) Node {
	return Node{Type: "paragraph", Content: []Node{{Type: "text", Text: text}}}
}

func imageNode(src, alt string) Node {
	return Node{
		Type: "captionedImage",
		Content: []Node{{
			Type: "image2",
			Attrs: map[string]interface{}{
				"src":          src,
				"alt":          alt,
				"fullscreen":   nil,
				"imageSize":    nil,
				"belowTheFold": false,
				"topImage":     true,
				"isProcessing": false,
			},
		}},
	}
}

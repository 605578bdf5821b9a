// Package convert maps ACP prompt content onto opencode message parts.
package convert

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/cjenaro/opencode-acp/pkg/types"
	"github.com/coder/acp-go-sdk"
)

// ToBackendParts converts prompt content blocks in order. Blocks without a
// usable payload (blob resources, images without data, audio) produce no
// part. It never fails.
func ToBackendParts(blocks []acp.ContentBlock) []types.PartInput {
	parts := make([]types.PartInput, 0, len(blocks))
	for _, block := range blocks {
		if part, ok := toBackendPart(block); ok {
			parts = append(parts, part)
		}
	}
	return parts
}

func toBackendPart(block acp.ContentBlock) (types.PartInput, bool) {
	switch {
	case block.Text != nil:
		return types.TextInput(block.Text.Text), true

	case block.ResourceLink != nil:
		return types.TextInput(FormatURIAsLink(block.ResourceLink.Uri)), true

	case block.Resource != nil:
		res := block.Resource.Resource.TextResourceContents
		if res == nil || res.Text == "" {
			return types.PartInput{}, false
		}
		text := res.Text
		if res.MimeType != nil && *res.MimeType == "text/html" {
			text = htmlToMarkdown(text)
		}
		return types.TextInput(text), true

	case block.Image != nil:
		img := block.Image
		if img.Data == "" {
			return types.PartInput{}, false
		}
		filename := "image"
		if img.Uri != nil && *img.Uri != "" {
			filename = path.Base(*img.Uri)
		}
		return types.FileInput(img.MimeType, fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data), filename), true
	}
	return types.PartInput{}, false
}

// FormatURIAsLink renders a resource URI as a Markdown mention. File and
// zed URIs become "[@name](uri)"; anything else is returned unchanged.
func FormatURIAsLink(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "file" && u.Scheme != "zed") {
		return uri
	}
	name := path.Base(strings.TrimRight(u.Path, "/"))
	if name == "." || name == "/" || name == "" {
		return uri
	}
	return fmt.Sprintf("[@%s](%s)", name, uri)
}

// htmlToMarkdown converts an HTML document, returning the input unchanged
// when conversion fails.
func htmlToMarkdown(html string) string {
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(html)
	if err != nil {
		return html
	}
	return out
}

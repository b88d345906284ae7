// Package render produces human readable summaries of metadata documents.
package render

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/dnswlt/cbcflow/internal/schema"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Markdown renders doc as a Markdown document: one section per top-level
// group, a table of its scalar fields, a list per array of scalars and a
// subsection per element of an entity array, titled by its UID.
// Fields the schema does not know and empty sections are omitted.
func Markdown(doc map[string]any, s *schema.Schema) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n", formatValue(doc["Sname"]))
	writeObject(&b, doc, s.Root, 2)
	return b.Bytes()
}

// HTML renders doc as an HTML fragment.
func HTML(doc map[string]any, s *schema.Schema) ([]byte, error) {
	var buf bytes.Buffer
	if err := md.Convert(Markdown(doc, s), &buf); err != nil {
		return nil, fmt.Errorf("failed to process markdown: %v", err)
	}
	return buf.Bytes(), nil
}

func heading(level int, title string) string {
	return "\n" + strings.Repeat("#", min(level, 6)) + " " + title + "\n"
}

// writeObject writes the fields of obj described by node. Sections are
// written at the given heading level.
func writeObject(b *bytes.Buffer, obj map[string]any, node *schema.Node, level int) {
	var rows [][2]string
	var lists, sections bytes.Buffer
	for _, name := range node.PropertyNames() {
		child := node.Properties[name]
		v, ok := obj[name]
		if !ok || (level == 2 && name == "Sname") {
			continue
		}
		switch {
		case child.Kind.IsScalar():
			rows = append(rows, [2]string{name, formatValue(v)})
		case child.IsLinkedFile():
			if lf, ok := v.(map[string]any); ok {
				rows = append(rows, [2]string{name, formatLinkedFile(lf)})
			}
		case child.IsPrimitiveArray():
			items, _ := v.([]any)
			if len(items) == 0 {
				continue
			}
			fmt.Fprintf(&lists, "\n**%s**\n\n", name)
			for _, it := range items {
				fmt.Fprintf(&lists, "- %s\n", formatValue(it))
			}
		case child.IsEntityArray():
			items, _ := v.([]any)
			for _, it := range items {
				el, ok := it.(map[string]any)
				if !ok {
					continue
				}
				sections.WriteString(heading(level, fmt.Sprintf("%s: %s", name, formatValue(el[schema.UIDField]))))
				writeObject(&sections, el, child.Items, level+1)
			}
		case child.Kind == schema.KindObject:
			sub, ok := v.(map[string]any)
			if !ok {
				continue
			}
			var body bytes.Buffer
			writeObject(&body, sub, child, level+1)
			if body.Len() > 0 {
				sections.WriteString(heading(level, name))
				sections.Write(body.Bytes())
			}
		}
	}
	if len(rows) > 0 {
		b.WriteString("\n| Field | Value |\n| --- | --- |\n")
		for _, r := range rows {
			fmt.Fprintf(b, "| %s | %s |\n", r[0], escapeCell(r[1]))
		}
	}
	b.Write(lists.Bytes())
	b.Write(sections.Bytes())
}

func formatLinkedFile(lf map[string]any) string {
	s := fmt.Sprintf("`%s`", formatValue(lf["Path"]))
	var details []string
	if v, ok := lf["MD5Sum"]; ok {
		details = append(details, "md5 "+formatValue(v))
	}
	if v, ok := lf["DateLastModified"]; ok {
		details = append(details, "modified "+formatValue(v))
	}
	if len(details) > 0 {
		s += " (" + strings.Join(details, ", ") + ")"
	}
	if v, ok := lf["PublicHTML"]; ok {
		s += " " + formatValue(v)
	}
	return s
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

package embedded

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// undefined is what a DOM call returns when jQuery would return undefined.
// The JS side maps the empty string back.
const undefined = ""

// selfResult tells the JS wrapper to return the $TJ object itself.
const selfResult = `{"__tj_self":true}`

var visibilityPseudo = regexp.MustCompile(`:(visible|hidden)\b`)

// splitVisibility removes :visible and :hidden from selector. want is nil
// when neither was present.
func splitVisibility(selector string) (rest string, want *bool) {
	rest = visibilityPseudo.ReplaceAllStringFunc(selector, func(m string) string {
		v := m == ":visible"
		want = &v
		return ""
	})
	rest = strings.TrimSpace(rest)
	if rest == "" {
		rest = "*"
	}
	return rest, want
}

var hiddenTags = map[string]bool{
	"head": true, "script": true, "style": true, "title": true,
	"meta": true, "link": true, "template": true, "noscript": true,
}

// visible approximates jQuery's :visible without layout: an element is
// hidden when it or an ancestor has the hidden attribute, display:none
// inline, or is a non-rendered element.
func visible(n *html.Node) bool {
	if n.Type == html.ElementNode && n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
		return false
	}
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if hiddenTags[p.Data] {
			return false
		}
		if _, ok := attrOK(p, "hidden"); ok {
			return false
		}
		if d, ok := styleProps(attr(p, "style"))["display"]; ok && d == "none" {
			return false
		}
	}
	return true
}

func attrOK(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, name string) string {
	v, _ := attrOK(n, name)
	return v
}

// styleProps parses an inline style attribute.
func styleProps(style string) map[string]string {
	props := make(map[string]string)
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "!important"))
		if name != "" {
			props[name] = strings.TrimSpace(value)
		}
	}
	return props
}

func setStyleProp(style, name, value string) string {
	var out []string
	found := false
	for _, decl := range strings.Split(style, ";") {
		k, _, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), name) {
			found = true
			if value != "" {
				out = append(out, name+": "+value)
			}
			continue
		}
		out = append(out, strings.TrimSpace(decl))
	}
	if !found && value != "" {
		out = append(out, name+": "+value)
	}
	return strings.Join(out, "; ")
}

// dom answers helper calls against a parsed document.
type dom struct {
	doc  *goquery.Document
	base *url.URL

	// navigate is called when an action should load a new page.
	navigate func(target string)
}

// query resolves a selector that may use :visible or :hidden.
func (d *dom) query(selector string) *goquery.Selection {
	rest, want := splitVisibility(selector)
	sel := d.doc.Find(rest)
	if want == nil {
		return sel
	}
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return visible(s.Get(0)) == *want
	})
}

// matches reports whether any element in sel matches filter.
func matches(sel *goquery.Selection, filter string) bool {
	rest, want := splitVisibility(filter)
	return sel.IsFunction(func(_ int, s *goquery.Selection) bool {
		if want != nil && visible(s.Get(0)) != *want {
			return false
		}
		return rest == "*" || s.Is(rest)
	})
}

// invoke runs a $TJ method on the elements matching selector. args is a
// JSON array. The result is JSON, selfResult, or undefined.
func (d *dom) invoke(selector, method, argsJSON string) (string, error) {
	var args []any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("decoding arguments for %s: %w", method, err)
		}
	}
	sel := d.query(selector)

	switch method {
	case "length":
		return encode(sel.Length())
	case "text":
		if len(args) == 0 {
			return encode(sel.Text())
		}
		sel.SetText(stringArg(args[0]))
		return selfResult, nil
	case "html":
		if len(args) == 0 {
			if sel.Length() == 0 {
				return undefined, nil
			}
			h, err := sel.Html()
			if err != nil {
				return "", err
			}
			return encode(h)
		}
		sel.SetHtml(stringArg(args[0]))
		return selfResult, nil
	case "val":
		if len(args) == 0 {
			return d.value(sel)
		}
		d.setValue(sel, args[0])
		return selfResult, nil
	case "attr":
		if len(args) == 0 {
			return "", fmt.Errorf("attr needs a name")
		}
		name := stringArg(args[0])
		if len(args) == 1 {
			v, ok := sel.Attr(name)
			if !ok {
				return undefined, nil
			}
			return encode(v)
		}
		if args[1] == nil {
			sel.RemoveAttr(name)
		} else {
			sel.SetAttr(name, stringArg(args[1]))
		}
		return selfResult, nil
	case "prop":
		if len(args) == 0 {
			return "", fmt.Errorf("prop needs a name")
		}
		return d.prop(sel, stringArg(args[0]))
	case "css":
		if len(args) == 0 {
			return "", fmt.Errorf("css needs a property name")
		}
		name := strings.ToLower(stringArg(args[0]))
		if len(args) == 1 {
			return d.css(sel, name)
		}
		sel.Each(func(_ int, s *goquery.Selection) {
			s.SetAttr("style", setStyleProp(s.AttrOr("style", ""), name, stringArg(args[1])))
		})
		return selfResult, nil
	case "is":
		if len(args) == 0 {
			return encode(false)
		}
		return encode(matches(sel, stringArg(args[0])))
	case "click":
		d.click(sel)
		return selfResult, nil
	case "trigger":
		if len(args) > 0 && stringArg(args[0]) == "click" {
			d.click(sel)
		}
		return selfResult, nil
	}
	return "", fmt.Errorf("$TJ method %q is not supported by the embedded driver", method)
}

// dispatch delivers eventType to every match and returns the count. Only
// click has a default action here.
func (d *dom) dispatch(selector, eventType string) int {
	sel := d.query(selector)
	if eventType == "click" {
		d.click(sel)
	}
	return sel.Length()
}

func (d *dom) value(sel *goquery.Selection) (string, error) {
	if sel.Length() == 0 {
		return undefined, nil
	}
	first := sel.First()
	switch goquery.NodeName(first) {
	case "textarea":
		return encode(first.Text())
	case "select":
		var selected []string
		first.Find("option").Each(func(_ int, o *goquery.Selection) {
			if _, ok := o.Attr("selected"); ok {
				selected = append(selected, optionValue(o))
			}
		})
		if _, multiple := first.Attr("multiple"); multiple {
			if selected == nil {
				selected = []string{}
			}
			return encode(selected)
		}
		if len(selected) > 0 {
			return encode(selected[len(selected)-1])
		}
		if opt := first.Find("option").First(); opt.Length() > 0 {
			return encode(optionValue(opt))
		}
		return encode(nil)
	}
	return encode(first.AttrOr("value", ""))
}

func optionValue(o *goquery.Selection) string {
	if v, ok := o.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(o.Text())
}

func (d *dom) setValue(sel *goquery.Selection, v any) {
	var values []string
	if list, ok := v.([]any); ok {
		for _, item := range list {
			values = append(values, stringArg(item))
		}
	} else {
		values = []string{stringArg(v)}
	}
	if len(values) == 0 {
		values = []string{""}
	}
	sel.Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "textarea":
			s.SetText(values[0])
		case "select":
			s.Find("option").Each(func(_ int, o *goquery.Selection) {
				o.RemoveAttr("selected")
				for _, want := range values {
					if optionValue(o) == want {
						o.SetAttr("selected", "selected")
					}
				}
			})
		default:
			s.SetAttr("value", values[0])
		}
	})
}

func (d *dom) prop(sel *goquery.Selection, name string) (string, error) {
	if sel.Length() == 0 {
		return undefined, nil
	}
	first := sel.First()
	switch name {
	case "href", "src", "action":
		raw, ok := first.Attr(name)
		if !ok {
			return encode("")
		}
		return encode(d.resolve(raw))
	case "checked", "disabled", "selected", "readonly", "required", "multiple":
		_, ok := first.Attr(name)
		return encode(ok)
	case "value":
		return d.value(first)
	case "tagName", "nodeName":
		return encode(strings.ToUpper(goquery.NodeName(first)))
	case "textContent":
		return encode(first.Text())
	case "innerHTML":
		h, err := first.Html()
		if err != nil {
			return "", err
		}
		return encode(h)
	}
	v, ok := first.Attr(name)
	if !ok {
		return undefined, nil
	}
	return encode(v)
}

// css reads a style property from the first match. Only inline styles are
// known; display falls back to the visibility approximation.
func (d *dom) css(sel *goquery.Selection, name string) (string, error) {
	if sel.Length() == 0 {
		return undefined, nil
	}
	first := sel.First()
	if v, ok := styleProps(first.AttrOr("style", ""))[name]; ok {
		return encode(v)
	}
	if name == "display" {
		if !visible(first.Get(0)) {
			return encode("none")
		}
		return encode(defaultDisplay(goquery.NodeName(first)))
	}
	return encode("")
}

var inlineTags = map[string]bool{
	"a": true, "span": true, "b": true, "i": true, "em": true, "strong": true,
	"img": true, "input": true, "label": true, "select": true, "button": true,
	"textarea": true, "code": true, "small": true, "abbr": true,
}

func defaultDisplay(tag string) string {
	switch {
	case inlineTags[tag]:
		if tag == "input" || tag == "select" || tag == "button" || tag == "textarea" || tag == "img" {
			return "inline-block"
		}
		return "inline"
	case tag == "li":
		return "list-item"
	case tag == "table":
		return "table"
	case tag == "tr":
		return "table-row"
	case tag == "td" || tag == "th":
		return "table-cell"
	}
	return "block"
}

// click performs default click actions: checkboxes and radios toggle and
// the first link with a navigable href is followed.
func (d *dom) click(sel *goquery.Selection) {
	followed := false
	sel.Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "input" {
			switch strings.ToLower(s.AttrOr("type", "")) {
			case "checkbox":
				if _, on := s.Attr("checked"); on {
					s.RemoveAttr("checked")
				} else {
					s.SetAttr("checked", "checked")
				}
			case "radio":
				if name := s.AttrOr("name", ""); name != "" {
					d.doc.Find(`input[type="radio"]`).Each(func(_ int, r *goquery.Selection) {
						if r.AttrOr("name", "") == name {
							r.RemoveAttr("checked")
						}
					})
				}
				s.SetAttr("checked", "checked")
			}
		}
		if followed {
			return
		}
		link := s.Closest("a[href]")
		if link.Length() == 0 {
			return
		}
		href := strings.TrimSpace(link.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		followed = true
		if d.navigate != nil {
			d.navigate(d.resolve(href))
		}
	})
}

func (d *dom) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil || d.base == nil {
		return ref
	}
	return d.base.ResolveReference(u).String()
}

func (d *dom) title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

func stringArg(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

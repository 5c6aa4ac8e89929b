package browser

import (
	"encoding/json"
	"fmt"
)

// styleSubset is the fixed set of computed style properties read-dom returns
// when includeStyles is requested. Deliberately not the full style map.
var styleSubset = []string{
	"display", "position", "width", "height",
	"margin", "padding", "border",
	"color", "background-color",
	"font-size", "font-family", "font-weight",
	"visibility", "opacity", "z-index",
}

// jsString renders a Go string as a safely quoted JS string literal.
func jsString(s string) string {
	raw, err := json.Marshal(s)
	if err != nil {
		// json.Marshal of a string cannot fail
		panic(err)
	}
	return string(raw)
}

// jsValue renders any JSON-marshalable value as a JS literal.
func jsValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

// readDOMScript builds the read-dom expression. An empty selector targets
// the document root. Missing elements produce ok:false, never a throw.
func readDOMScript(p ReadDOMParams) string {
	return fmt.Sprintf(`(() => {
	try {
		const selector = %s;
		const el = selector === "" ? document.documentElement : document.querySelector(selector);
		if (!el) {
			return {ok: false, error: "no element matches selector " + JSON.stringify(selector)};
		}
		const out = {ok: true, html: el.outerHTML, url: location.href, title: document.title};
		if (%t) {
			const computed = getComputedStyle(el);
			const styles = {};
			for (const prop of %s) {
				styles[prop] = computed.getPropertyValue(prop);
			}
			out.styles = styles;
		}
		return out;
	} catch (e) {
		return {ok: false, error: String(e)};
	}
})()`, jsString(p.Selector), p.IncludeStyles, jsValue(styleSubset))
}

// selectionScript builds the read-selection expression. An empty selection
// is a success with empty text.
func selectionScript() string {
	return `(() => {
	try {
		const sel = window.getSelection();
		return {ok: true, text: sel ? String(sel) : "", url: location.href, title: document.title};
	} catch (e) {
		return {ok: false, error: String(e)};
	}
})()`
}

// executeScript wraps user code so that any exception is caught at the
// injection boundary and reported as data. The code runs in the page's own
// execution context and may touch page-defined globals.
func executeScript(userCode string) string {
	return fmt.Sprintf(`(() => {
	try {
		let value = eval(%s);
		if (value === undefined) value = null;
		try { JSON.stringify(value); } catch (e) { value = String(value); }
		return {ok: true, value: value};
	} catch (e) {
		return {ok: false, error: String((e && e.stack) || e)};
	}
})()`, jsString(userCode))
}

// mutateScript builds the mutate-dom expression. Params are validated
// Go-side before this runs; zero matching elements is a failure.
func mutateScript(p MutateDOMParams) string {
	return fmt.Sprintf(`(() => {
	try {
		const p = %s;
		let targets;
		if (p.all) {
			targets = Array.from(document.querySelectorAll(p.selector));
		} else {
			const first = document.querySelector(p.selector);
			targets = first ? [first] : [];
		}
		if (targets.length === 0) {
			return {ok: false, error: "no elements match selector " + JSON.stringify(p.selector)};
		}
		let count = 0;
		for (const el of targets) {
			switch (p.action) {
			case "set-inner-html": el.innerHTML = p.value; break;
			case "set-outer-html": el.outerHTML = p.value; break;
			case "set-text": el.textContent = p.value; break;
			case "set-attribute": el.setAttribute(p.attributeName, p.value); break;
			case "remove-attribute": el.removeAttribute(p.attributeName); break;
			case "add-class": el.classList.add(p.value); break;
			case "remove-class": el.classList.remove(p.value); break;
			case "remove": el.remove(); break;
			case "insert-before": el.insertAdjacentHTML("beforebegin", p.value); break;
			case "insert-after": el.insertAdjacentHTML("afterend", p.value); break;
			}
			count++;
		}
		return {
			ok: true,
			modifiedCount: count,
			summary: p.action + " applied to " + count + " element(s) matching " + JSON.stringify(p.selector),
		};
	} catch (e) {
		return {ok: false, error: String(e)};
	}
})()`, jsValue(p))
}

// evalEnvelope is the common shape every injected expression resolves to.
type evalEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// read-dom / read-selection
	HTML   string            `json:"html,omitempty"`
	Styles map[string]string `json:"styles,omitempty"`
	Text   *string           `json:"text,omitempty"`
	URL    string            `json:"url,omitempty"`
	Title  string            `json:"title,omitempty"`

	// execute-code
	Value json.RawMessage `json:"value,omitempty"`

	// mutate-dom
	ModifiedCount int    `json:"modifiedCount,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

package render

import (
	"encoding/json"
	"net/url"
)

// Hook is a page-transform script evaluated before extraction. Script
// builds the expression for the page being rendered.
type Hook struct {
	Name   string
	Script func(target *url.URL) string
}

// Hooks are the page-transform scripts run around navigation. They may
// change the DOM but never the navigation outcome; failures are logged.
type Hooks struct {
	// BeforeNavigation run in every new document before the page's scripts
	BeforeNavigation []string

	// BeforeExtraction run in order after the status is resolved
	BeforeExtraction []Hook
}

// DefaultHooks returns the hooks used for rendering: web component polyfill
// flags and stylesheet call recording before navigation; script stripping,
// base href injection and stylesheet replay before extraction.
func DefaultHooks() Hooks {
	return Hooks{
		BeforeNavigation: []string{
			`customElements.forcePolyfill = true`,
			`ShadyDOM = {force: true}`,
			`ShadyCSS = {shimcssproperties: true}`,
			recordStylesheetCallsScript,
		},
		BeforeExtraction: []Hook{
			{Name: "strip_scripts", Script: static(stripScriptsScript)},
			{Name: "inject_base_href", Script: injectBaseHrefScript},
			{Name: "annotate_styles", Script: static(annotateStylesScript)},
			{Name: "append_style_replay", Script: static(appendStyleReplayScript)},
		},
	}
}

func static(script string) func(*url.URL) string {
	return func(*url.URL) string { return script }
}

// statusCodeScript reads the status override meta tag.
const statusCodeScript = `(() => {
  const el = document.querySelector('meta[name="render:status_code"]');
  return el ? el.getAttribute('content') : null;
})()`

// serializeScript returns the document markup.
const serializeScript = `document.firstElementChild ? document.firstElementChild.outerHTML : ''`

// recordStylesheetCallsScript wraps every writable CSSStyleSheet method so
// that CSS-in-JS rule insertions are logged on the sheet and can be
// replayed from the serialized markup.
const recordStylesheetCallsScript = `(() => {
  const proto = window.CSSStyleSheet && window.CSSStyleSheet.prototype;
  if (!proto) return;
  const originals = {};
  const descriptors = Object.getOwnPropertyDescriptors(proto);
  Object.getOwnPropertyNames(proto).forEach((key) => {
    const d = descriptors[key];
    if (!d || !d.writable || typeof proto[key] !== 'function') return;
    originals[key] = proto[key];
    proto[key] = function() {
      const args = Array.from(arguments);
      const entry = args.concat(key);
      if (this.functionCallLogs) {
        this.functionCallLogs.push(entry);
      } else {
        this.functionCallLogs = [entry];
      }
      return originals[key].apply(this, args);
    };
  });
})()`

// stripScriptsScript removes executable scripts and HTML imports.
const stripScriptsScript = `(() => {
  const elements = document.querySelectorAll('script:not([type]), script[type*="javascript"], link[rel=import]');
  for (const e of Array.from(elements)) {
    e.remove();
  }
})()`

// injectBaseHrefScript adds <base href=origin>, or prefixes an existing
// root-relative base with the origin.
func injectBaseHrefScript(target *url.URL) string {
	origin, _ := json.Marshal(target.Scheme + "://" + target.Host)
	return `((origin) => {
  const bases = document.head ? document.head.querySelectorAll('base') : [];
  if (bases.length) {
    const existing = bases[0].getAttribute('href') || '';
    if (existing.startsWith('/')) {
      bases[0].setAttribute('href', origin + existing);
    }
    return;
  }
  if (!document.head) return;
  const base = document.createElement('base');
  base.setAttribute('href', origin);
  document.head.insertAdjacentElement('afterbegin', base);
})(` + string(origin) + `)`
}

// annotateStylesScript stores each <style> sheet's recorded calls in a
// data attribute.
const annotateStylesScript = `(() => {
  Array.from(document.querySelectorAll('style')).forEach((style) => {
    const logs = style.sheet && style.sheet.functionCallLogs ? style.sheet.functionCallLogs : [];
    style.setAttribute('data-function-call-logs', JSON.stringify(logs));
  });
})()`

// appendStyleReplayScript appends an inline script that re-applies the
// recorded stylesheet calls when the serialized page is loaded.
const appendStyleReplayScript = `(() => {
  const head = document.getElementsByTagName('head')[0];
  if (!head) return;
  const script = document.createElement('script');
  script.type = 'text/javascript';
  script.textContent = "document.querySelectorAll('style').forEach((style) => {" +
    "let logs = [];" +
    "try { logs = JSON.parse(style.dataset.functionCallLogs || '[]'); } catch (e) {}" +
    "logs.forEach((log) => { try { const key = log.pop(); style.sheet[key].apply(style.sheet, log); } catch (e) {} });" +
    "});";
  head.appendChild(script);
})()`

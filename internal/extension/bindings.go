package extension

import (
	"context"
)

// The js* adapters are what actually lands in the sandbox globals. They
// close over the extension's base context, translate every Go error
// into a result object, and expose nothing but methods, so sandboxed
// code sees plain failure results instead of thrown host errors. The
// sandbox's json field mapper turns Fetch into fetch, AllSettled into
// allSettled, and so on.

type jsResult map[string]any

func jsOK(fields jsResult) jsResult {
	out := jsResult{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func jsErr(err error) jsResult {
	return jsResult{"ok": false, "error": err.Error()}
}

// jsHTTP wraps the network client.
type jsHTTP struct {
	ctx context.Context
	net *NetworkClient
}

func (j *jsHTTP) Fetch(url string, opts FetchOptions) *Response {
	return j.net.Fetch(j.ctx, url, opts)
}

func (j *jsHTTP) Get(url string, headers map[string]string) *Response {
	return j.net.Get(j.ctx, url, headers)
}

func (j *jsHTTP) Post(url string, body string, headers map[string]string) *Response {
	return j.net.Post(j.ctx, url, body, headers)
}

func (j *jsHTTP) All(reqs []FetchRequest) jsResult {
	responses, err := j.net.All(j.ctx, reqs)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"responses": responses})
}

func (j *jsHTTP) AllSettled(reqs []FetchRequest) []*Response {
	return j.net.AllSettled(j.ctx, reqs)
}

// jsStorage wraps the storage surface.
type jsStorage struct {
	ctx   context.Context
	store *StorageAPI
}

func (j *jsStorage) Get(key string) jsResult {
	v, ok, err := j.store.Get(j.ctx, key)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"exists": ok, "value": v})
}

func (j *jsStorage) Set(key, value string) jsResult {
	if err := j.store.Set(j.ctx, key, value); err != nil {
		return jsErr(err)
	}
	return jsOK(nil)
}

func (j *jsStorage) Delete(key string) jsResult {
	if err := j.store.Delete(j.ctx, key); err != nil {
		return jsErr(err)
	}
	return jsOK(nil)
}

func (j *jsStorage) Keys() jsResult {
	keys, err := j.store.Keys(j.ctx)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"keys": keys})
}

func (j *jsStorage) Clear() jsResult {
	if err := j.store.Clear(j.ctx); err != nil {
		return jsErr(err)
	}
	return jsOK(nil)
}

func (j *jsStorage) Usage() jsResult {
	n, err := j.store.Usage(j.ctx)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"bytes": n, "quota": j.store.quota})
}

// jsScrape wraps the scraper.
type jsScrape struct {
	scraper *Scraper
}

func (j *jsScrape) ExtractText(markup, sel string) jsResult {
	text, found, err := j.scraper.ExtractText(markup, sel)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"found": found, "text": text})
}

func (j *jsScrape) ExtractAll(markup, sel string) jsResult {
	texts, err := j.scraper.ExtractAll(markup, sel)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"items": texts})
}

func (j *jsScrape) ExtractAttribute(markup, sel, attr string) jsResult {
	v, found, err := j.scraper.ExtractAttribute(markup, sel, attr)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"found": found, "value": v})
}

func (j *jsScrape) ExtractAllAttributes(markup, sel, attr string) jsResult {
	vals, err := j.scraper.ExtractAllAttributes(markup, sel, attr)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"items": vals})
}

func (j *jsScrape) ExtractLinks(markup string) jsResult {
	links, err := j.scraper.ExtractLinks(markup)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"links": links})
}

func (j *jsScrape) ExtractImages(markup string) jsResult {
	srcs, err := j.scraper.ExtractImages(markup)
	if err != nil {
		return jsErr(err)
	}
	return jsOK(jsResult{"images": srcs})
}

func (j *jsScrape) StripTags(markup string) string {
	return j.scraper.StripTags(markup)
}

func (j *jsScrape) DecodeEntities(text string) string {
	return j.scraper.DecodeEntities(text)
}

func (j *jsScrape) ExtractJSON(markup, varName string) jsResult {
	raw, found := j.scraper.ExtractJSON(markup, varName)
	return jsOK(jsResult{"found": found, "json": raw})
}

// buildBindings assembles the sandbox globals for one extension.
func buildBindings(ctx context.Context, m *Manifest, net *NetworkClient, store *StorageAPI, scraper *Scraper, hostVersion string) map[string]any {
	return map[string]any{
		"http":    &jsHTTP{ctx: ctx, net: net},
		"storage": &jsStorage{ctx: ctx, store: store},
		"scrape":  &jsScrape{scraper: scraper},
		"constants": map[string]any{
			"extensionId": m.ID,
			"version":     m.Version,
			"pluginType":  string(m.PluginType),
			"baseUrl":     m.Config.BaseURL,
			"hostVersion": hostVersion,
		},
	}
}

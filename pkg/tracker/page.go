package tracker

import "sync"

// Page is the host's view of the current document and browser.
type Page interface {
	URL() string
	Referrer() string
	Title() string
	UserAgent() string
	Screen() (width, height int)
	Timezone() string
	// DoNotTrack reports the visitor's opt-out preference.
	DoNotTrack() bool
}

// StaticPage is a Page whose fields the host sets directly. It is safe for
// concurrent use.
type StaticPage struct {
	mu         sync.RWMutex
	url        string
	referrer   string
	title      string
	userAgent  string
	width      int
	height     int
	timezone   string
	doNotTrack bool
}

func NewStaticPage(url, userAgent string) *StaticPage {
	return &StaticPage{url: url, userAgent: userAgent}
}

func (p *StaticPage) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *StaticPage) Referrer() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.referrer
}

func (p *StaticPage) Title() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.title
}

func (p *StaticPage) UserAgent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userAgent
}

func (p *StaticPage) Screen() (int, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.width, p.height
}

func (p *StaticPage) Timezone() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timezone
}

func (p *StaticPage) DoNotTrack() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.doNotTrack
}

func (p *StaticPage) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

func (p *StaticPage) SetReferrer(referrer string) {
	p.mu.Lock()
	p.referrer = referrer
	p.mu.Unlock()
}

func (p *StaticPage) SetTitle(title string) {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

func (p *StaticPage) SetScreen(width, height int) {
	p.mu.Lock()
	p.width, p.height = width, height
	p.mu.Unlock()
}

func (p *StaticPage) SetTimezone(tz string) {
	p.mu.Lock()
	p.timezone = tz
	p.mu.Unlock()
}

func (p *StaticPage) SetDoNotTrack(dnt bool) {
	p.mu.Lock()
	p.doNotTrack = dnt
	p.mu.Unlock()
}

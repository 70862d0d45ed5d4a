package engine

// BlockOptions selects what the resource-blocking profile covers.
type BlockOptions struct {
	// Stylesheets also blocks CSS. Some listing pages render their product
	// rows late without styles, which the fetcher's fallback pass handles.
	Stylesheets bool
}

// heavyExtensions are sub-resources never needed to read product rows.
var heavyExtensions = []string{
	// images
	"png", "jpg", "jpeg", "gif", "webp", "avif", "svg", "ico", "bmp",
	// fonts
	"woff", "woff2", "ttf", "otf", "eot",
	// media
	"mp4", "webm", "mp3", "ogg", "wav", "m4a",
}

// trackerDomains is a set of well-known analytics, ad and chat-widget
// domains the target site pulls in.
var trackerDomains = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"google-analytics.com",
	"googletagmanager.com",
	"googletagservices.com",
	"facebook.net",
	"connect.facebook.net",
	"fbcdn.net",
	"adnxs.com",
	"criteo.com",
	"criteo.net",
	"outbrain.com",
	"taboola.com",
	"scorecardresearch.com",
	"hotjar.com",
	"mixpanel.com",
	"segment.io",
	"analytics.tiktok.com",
	"clarity.ms",
	"tawk.to",
	"onesignal.com",
	"sharethis.com",
	"addthis.com",
}

// BlockPatterns builds the URL patterns for Session.SetResourceBlocking.
// Patterns use the '*' wildcard understood by Network.setBlockedURLs.
func BlockPatterns(opts BlockOptions) []string {
	out := make([]string, 0, len(heavyExtensions)*2+len(trackerDomains)+2)
	for _, ext := range heavyExtensions {
		out = append(out, "*."+ext, "*."+ext+"?*")
	}
	if opts.Stylesheets {
		out = append(out, "*.css", "*.css?*")
	}
	for _, d := range trackerDomains {
		out = append(out, "*"+d+"/*")
	}
	return out
}

package blocklist

// hardcodedDomains is the always-blocked critical set, checked before any
// dynamic list. These survive even a total refresh failure.
var hardcodedDomains = map[string]string{
	"pornhub.com":        "porn",
	"xvideos.com":        "porn",
	"xnxx.com":           "porn",
	"xhamster.com":       "porn",
	"redtube.com":        "porn",
	"youporn.com":        "porn",
	"tube8.com":          "porn",
	"spankbang.com":      "porn",
	"chaturbate.com":     "porn",
	"onlyfans.com":       "porn",
	"fansly.com":         "porn",
	"livejasmin.com":     "porn",
	"stripchat.com":      "porn",
	"cam4.com":           "porn",
	"bongacams.com":      "porn",
	"myfreecams.com":     "porn",
	"camsoda.com":        "porn",
	"brazzers.com":       "porn",
	"bangbros.com":       "porn",
	"realitykings.com":   "porn",
	"naughtyamerica.com": "porn",
	"porntrex.com":       "porn",
	"eporner.com":        "porn",
	"thumbzilla.com":     "porn",
	"pornone.com":        "porn",
	"hentaihaven.xxx":    "porn",
	"hanime.tv":          "porn",
	"nhentai.net":        "porn",
	"hentai-foundry.com": "porn",
	"rule34.xxx":         "porn",
	"e621.net":           "porn",
	"gelbooru.com":       "porn",
	"danbooru.donmai.us": "porn",
	"4chan.org":          "extremism",
	"8kun.top":           "extremism",
	"kiwifarms.net":      "extremism",
}

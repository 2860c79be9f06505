package browser

import (
	"fmt"
	"strconv"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/review-crawler/internal/random"
)

var (
	viewportWidths  = []int{1280, 1366, 1440, 1536, 1600, 1920}
	viewportHeights = []int{720, 768, 800, 864, 900, 1080}
	platforms       = []string{"Windows", "macOS", "Linux"}
	pluginNames     = []string{"Chrome PDF Plugin", "Chrome PDF Viewer", "Native Client", "Widevine Content Decryption Module"}
	pluginFiles     = []string{"internal-pdf-viewer", "mhjfbmdgcfjbbpaeojofohoefgiehjai", "internal-nacl-plugin", "widevinecdmadapter.dll"}
)

// launchArgs are the Chromium flags for a stealth session. The window size
// is randomized per launch.
func launchArgs(rnd *random.Source) []string {
	return []string{
		"--disable-blink-features=AutomationControlled",
		"--disable-features=IsolateOrigins,site-per-process",
		"--disable-web-security",
		"--disable-dev-shm-usage",
		"--no-sandbox",
		"--disable-setuid-sandbox",
		fmt.Sprintf("--window-size=%d,%d", 1280+rnd.Intn(100), 800+rnd.Intn(100)),
	}
}

func randomViewport(rnd *random.Source) *playwright.Size {
	return &playwright.Size{
		Width:  random.Pick(rnd, viewportWidths),
		Height: random.Pick(rnd, viewportHeights),
	}
}

// pageHeaders is the extra header set sent by every page. sec-ch-ua carries a
// randomized browser version.
func pageHeaders(rnd *random.Source, acceptLanguage string) map[string]string {
	return map[string]string{
		"Accept-Language":           acceptLanguage,
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8",
		"Accept-Encoding":           "gzip, deflate, br",
		"Upgrade-Insecure-Requests": "1",
		"sec-ch-ua":                 fmt.Sprintf(`"Not.A/Brand";v="8", "Chromium";v="%d"`, 115+rnd.Intn(10)),
		"sec-ch-ua-mobile":          "?0",
		"sec-ch-ua-platform":        strconv.Quote(random.Pick(rnd, platforms)),
	}
}

// stealthScript hides automation markers. It runs in every frame of the
// context before any page script.
func stealthScript(rnd *random.Source) string {
	plugins := "["
	for i, n := 0, rnd.IntBetween(3, 6); i < n; i++ {
		if i > 0 {
			plugins += ","
		}
		plugins += fmt.Sprintf("{name:%q,filename:%q,description:%q}",
			random.Pick(rnd, pluginNames), random.Pick(rnd, pluginFiles), "")
	}
	plugins += "]"

	return fmt.Sprintf(`(() => {
  const define = (obj, key, value) => {
    try { Object.defineProperty(obj, key, { get: () => value, configurable: true }); } catch (e) {}
  };
  define(navigator, 'webdriver', false);
  define(navigator, 'language', 'en-US');
  define(navigator, 'languages', ['en-US', 'en']);
  define(navigator, 'plugins', %s);
  define(navigator, 'hardwareConcurrency', %d);
  try {
    const proto = Object.getPrototypeOf(navigator);
    delete proto.webdriver;
    Object.setPrototypeOf(navigator, proto);
  } catch (e) {}
  for (const key of Object.keys(window)) {
    if (key.startsWith('cdc_') || key.startsWith('$cdc_') || key.startsWith('__webdriver') || key.startsWith('__selenium') || key.startsWith('__playwright')) {
      try { delete window[key]; } catch (e) {}
    }
  }
  if (!window.chrome) {
    window.chrome = { runtime: {} };
  }
})();`, plugins, rnd.IntBetween(4, 11))
}

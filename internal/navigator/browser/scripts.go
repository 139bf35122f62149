package browser

import (
	"encoding/json"
	"fmt"
)

const hideWebdriverScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`

const dismissConsentScript = `(() => {
	const labels = ['accept all', 'accept all cookies', 'accept', 'i agree', 'agree', 'got it', 'allow all'];
	const nodes = Array.from(document.querySelectorAll('button, a[role="button"], [id*="accept"]'));
	for (const el of nodes) {
		const text = (el.innerText || el.textContent || '').trim().toLowerCase();
		if (labels.includes(text)) {
			el.click();
			return true;
		}
	}
	return false;
})()`

const openPageSizeScript = `(() => {
	const dropdown = document.querySelector('.p-paginator-rpp-options');
	if (!dropdown) return false;
	dropdown.click();
	return true;
})()`

const scrollScript = `(() => {
	window.scrollTo(0, document.body.scrollHeight / 2);
	return true;
})()`

func choosePageSizeScript(size int) string {
	return fmt.Sprintf(`((size) => {
	const items = Array.from(document.querySelectorAll('.p-dropdown-item, li[role="option"]'));
	const item = items.find(el => (el.textContent || '').trim() === String(size));
	if (!item) return false;
	item.click();
	return true;
})(%d)`, size)
}

// Transition outcomes reported by gotoScript.
const (
	clickedPage = "page"
	clickedNext = "next"
	noControl   = "missing"
	disabled    = "disabled"
)

// gotoScript clicks the numbered paginator button for page, or the "next"
// button when the numbered one is not rendered.
func gotoScript(page int) string {
	return fmt.Sprintf(`((page) => {
	const isDisabled = el => el.disabled ||
		el.classList.contains('p-disabled') ||
		el.classList.contains('disabled') ||
		el.getAttribute('aria-disabled') === 'true';
	const press = el => {
		el.scrollIntoView({block: 'center'});
		el.click();
	};
	const direct = document.querySelector('button[aria-label="' + page + '"].p-paginator-page');
	if (direct) {
		if (isDisabled(direct)) return %[2]q;
		press(direct);
		return %[3]q;
	}
	const next = document.querySelector('button[aria-label="Next Page"].p-paginator-next');
	if (!next) return %[4]q;
	if (isDisabled(next)) return %[2]q;
	press(next);
	return %[5]q;
})(%[1]d)`, page, disabled, clickedPage, noControl, clickedNext)
}

// markerScript reports the highlighted paginator button, falling back to the
// list of lot links currently rendered.
func markerScript(selector, lotSelector string) string {
	sel, _ := json.Marshal(selector)
	lots, _ := json.Marshal(lotSelector)
	return fmt.Sprintf(`((sel, lots) => {
	const el = sel ? document.querySelector(sel) : null;
	const text = el ? (el.textContent || '').trim() : '';
	if (text) return 'page:' + text;
	return 'lots:' + Array.from(document.querySelectorAll(lots)).map(a => a.getAttribute('href')).join('|');
})(%s, %s)`, sel, lots)
}

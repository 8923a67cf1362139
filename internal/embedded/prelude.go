package embedded

// prelude sets up the page globals. __page_href, __page_title and the
// viewport globals are set from Go before it runs.
const prelude = `(function() {
	var g = globalThis;
	g.window = g;
	g.self = g;
	g.innerWidth = g.__page_width;
	g.innerHeight = g.__page_height;

	g.location = {
		href: g.__page_href,
		toString: function() { return this.href; }
	};
	g.document = {
		title: g.__page_title,
		URL: g.__page_href,
		readyState: 'complete'
	};

	function show(v) {
		if (typeof v === 'string') {
			return v;
		}
		if (v !== null && typeof v === 'object') {
			try {
				return JSON.stringify(v);
			} catch (e) {
				return String(v);
			}
		}
		return String(v);
	}
	function writer(level) {
		return function() {
			var parts = [];
			for (var i = 0; i < arguments.length; i++) {
				parts.push(show(arguments[i]));
			}
			__console_write(level, parts.join(' '));
		};
	}
	g.console = {
		log: writer('log'),
		info: writer('info'),
		warn: writer('warn'),
		error: writer('error'),
		debug: writer('debug')
	};
})();`

// helperLibrary is the built-in $TJ. Each method call goes to Go through
// __dom_invoke, which answers with JSON, a marker for "return this", or
// the empty string for undefined.
const helperLibrary = `(function() {
	function call(sel, method, args) {
		var r = __dom_invoke(sel, method, JSON.stringify(Array.prototype.slice.call(args)));
		if (r === '') {
			return undefined;
		}
		return JSON.parse(r);
	}
	function $TJ(selector) {
		if (!(this instanceof $TJ)) {
			return new $TJ(selector);
		}
		this.selector = String(selector);
		this.length = call(this.selector, 'length', []);
	}
	['text', 'html', 'val', 'attr', 'prop', 'css', 'is', 'click', 'trigger'].forEach(function(method) {
		$TJ.prototype[method] = function() {
			var r = call(this.selector, method, arguments);
			if (r !== null && typeof r === 'object' && r.__tj_self) {
				this.length = call(this.selector, 'length', []);
				return this;
			}
			return r;
		};
	});
	globalThis.$TJ = $TJ;
})();`
